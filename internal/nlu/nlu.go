// Package nlu interprets lead messages and drafts outbound text.
package nlu

import (
	"context"
	"strings"
	"time"
	"unicode"

	"leadflow/internal/repo"
)

// DisplayLayout renders meeting times in lead and approver facing text.
const DisplayLayout = "Monday, January 02 at 03:04 PM"

// FormatTime renders t with DisplayLayout.
func FormatTime(t time.Time) string {
	return t.Format(DisplayLayout)
}

// Sentiment of an inbound message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Stage is the sales conversation stage an inbound message belongs to.
type Stage string

const (
	StagePermissionGranted Stage = "permission_granted"
	StageConfirmationYes   Stage = "confirmation_yes"
	StageScheduling        Stage = "scheduling"
	StageObjection         Stage = "objection"
	StageGeneral           Stage = "general"
)

// Intent is the classification of one inbound message.
type Intent struct {
	Sentiment          Sentiment
	RequestingMeeting  bool
	ExpressingInterest bool
	Stage              Stage
	SpecifiedTime      bool
	TimeDetails        string
	ConfirmingTime     bool
}

// Slot is a candidate meeting time extracted from free text.
type Slot struct {
	Display    string
	Time       time.Time
	Confidence float64
}

// Client is the language understanding collaborator.
type Client interface {
	ClassifyIntent(ctx context.Context, text string, history []repo.Turn) (Intent, error)
	ParseAvailability(ctx context.Context, text string, now time.Time) ([]Slot, error)
	GenerateReply(ctx context.Context, lead repo.Lead, history []repo.Turn, text string) (string, error)
	Summarize(ctx context.Context, history []repo.Turn) (string, error)
	GenerateOutreach(ctx context.Context, lead repo.Lead) (string, error)
	GenerateFollowUp(ctx context.Context, lead repo.Lead, history []repo.Turn) (string, error)
}

var selectionWords = map[string]int{
	"1": 0, "one": 0,
	"2": 1, "two": 1,
	"3": 2, "three": 2,
	"yes": 0, "yeah": 0, "yep": 0, "sure": 0, "okay": 0, "ok": 0, "confirm": 0, "confirmed": 0,
}

// ParseSelection maps a bare reply such as "2" or "yes" to a zero-based option index.
// Anything longer than a single token is left to intent classification.
func ParseSelection(text string) (int, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	fields := strings.Fields(cleaned)
	if len(fields) != 1 {
		return 0, false
	}
	idx, ok := selectionWords[fields[0]]
	return idx, ok
}

// LastOutbound returns the text of the most recent outbound turn in chronological history.
func LastOutbound(history []repo.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == repo.DirectionOutbound {
			return history[i].Text
		}
	}
	return ""
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
