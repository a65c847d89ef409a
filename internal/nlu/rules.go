package nlu

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"leadflow/internal/repo"
)

// RuleBased is a deterministic Client used when no model is configured and as the model fallback.
type RuleBased struct{}

var _ Client = RuleBased{}

// ClassifyIntent applies keyword rules to the message and the last outbound turn.
func (RuleBased) ClassifyIntent(_ context.Context, text string, history []repo.Turn) (Intent, error) {
	lower := strings.ToLower(text)
	intent := Intent{Sentiment: SentimentNeutral, Stage: StageGeneral}

	negative := containsAny(lower, "not interested", "no thanks", "no thank you", "unsubscribe", "remove me",
		"stop messaging", "stop contacting", "don't contact", "do not contact", "leave me alone")
	objection := negative || containsAny(lower, "busy", "already have", "not now", "no budget")
	positive := containsAny(lower, "interested", "tell me more", "sounds good", "go ahead", "love to", "keen",
		"great", "perfect", "sure", "yes", "okay", "20 seconds")

	switch {
	case negative:
		intent.Sentiment = SentimentNegative
	case positive:
		intent.Sentiment = SentimentPositive
	}

	slots := parseSlots(text, time.Now())
	intent.SpecifiedTime = len(slots) > 0
	if intent.SpecifiedTime {
		details := make([]string, 0, len(slots))
		for _, s := range slots {
			details = append(details, s.Display)
		}
		intent.TimeDetails = strings.Join(details, "; ")
	}
	intent.RequestingMeeting = !negative && containsAny(lower, "call", "meeting", "meet", "chat", "schedule",
		"calendar", "zoom", "demo", "when can")
	intent.ExpressingInterest = !negative && positive

	lastBot := strings.ToLower(LastOutbound(history))
	confirmWords := containsAny(lower, "sure", "yes", "sounds good", "perfect", "confirmed", "works for me")
	intent.ConfirmingTime = !negative && !intent.SpecifiedTime && confirmWords &&
		containsAny(lastBot, "calendar", "schedule", "meeting", "time")

	switch {
	case intent.SpecifiedTime || intent.RequestingMeeting:
		intent.Stage = StageScheduling
	case objection:
		intent.Stage = StageObjection
	case containsAny(lower, "yes", "sure", "okay", "go ahead", "tell me more", "20 seconds"):
		if len(history) <= 2 {
			intent.Stage = StagePermissionGranted
		} else {
			intent.Stage = StageConfirmationYes
		}
	}
	return intent, nil
}

// ParseAvailability extracts dates and times such as "20th June, 11am-1pm" or "Tuesday morning".
func (RuleBased) ParseAvailability(_ context.Context, text string, now time.Time) ([]Slot, error) {
	slots := parseSlots(text, now)
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Confidence != slots[j].Confidence {
			return slots[i].Confidence > slots[j].Confidence
		}
		return slots[i].Time.Before(slots[j].Time)
	})
	return slots, nil
}

// GenerateReply answers from a small set of objection and acknowledgement templates.
func (RuleBased) GenerateReply(_ context.Context, lead repo.Lead, history []repo.Turn, text string) (string, error) {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "not interested", "no thanks", "no thank you", "unsubscribe", "remove me"):
		return "Got it. If things change, I'm here. Have a great day!", nil
	case containsAny(lower, "busy", "not now"):
		return "Totally understand you're busy. That's exactly why we handle everything for you. Quick 15 min call next week to see if it's a fit?", nil
	case containsAny(lower, "already have"):
		return "Nice, who are you working with? We often complement existing efforts. Worth a quick chat to compare notes?", nil
	case containsAny(lower, "budget", "cost", "price"):
		return "We work on a performance basis, so you only pay from the new revenue we generate. Make sense to explore?", nil
	case containsAny(lower, "tell me more", "how", "what do you"):
		return explanation, nil
	}
	return "Thanks for your response! Let me check my calendar and get back to you with some specific times.", nil
}

const explanation = `We have a 3 step process:

1. Go-to-market strategy: we research your ideal customer and find the best markets to target
2. Sales development: we build a system that brings in qualified opportunities consistently
3. Sales enablement: we give you our proven B2B process to close those opportunities

Does that make sense?`

// Summarize describes the exchange from message counts and the latest inbound text.
func (RuleBased) Summarize(_ context.Context, history []repo.Turn) (string, error) {
	if len(history) == 0 {
		return "No conversation history", nil
	}
	var inbound, outbound int
	var last *repo.Turn
	for i := range history {
		if history[i].Direction == repo.DirectionInbound {
			inbound++
			last = &history[i]
		} else {
			outbound++
		}
	}
	summary := fmt.Sprintf("%d messages sent, %d replies received.", outbound, inbound)
	if last != nil {
		text := last.Text
		if len(text) > 160 {
			text = text[:157] + "..."
		}
		summary += fmt.Sprintf(" Last reply via %s on %s: %q", last.Channel, last.At.Format(time.DateOnly), text)
	}
	return summary, nil
}

var outreachTemplates = []string{
	`Hi %s,

We partner with %s who are prioritizing growth and help them add predictable new revenue within 6 months, on a zero risk basis.

Would you be interested in a brief explanation of our approach?`,
	`Hi %s,

We specialize in helping %s build a predictable pipeline of qualified opportunities, with zero risk involved.

May I share our methodology with you?`,
	`Hi %s,

We work with %s to deliver new revenue over the next 6 months, with no risk to your business.

Would you like to learn more about our approach?`,
}

// GenerateOutreach picks one of the outreach templates, stable per lead.
func (RuleBased) GenerateOutreach(_ context.Context, lead repo.Lead) (string, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(lead.ID))
	tpl := outreachTemplates[h.Sum32()%uint32(len(outreachTemplates))]
	return fmt.Sprintf(tpl, greetingName(lead), GuessIndustry(lead.Company)), nil
}

// GenerateFollowUp nudges a lead that has not replied.
func (RuleBased) GenerateFollowUp(_ context.Context, lead repo.Lead, history []repo.Turn) (string, error) {
	if len(history) == 0 {
		return fmt.Sprintf("Hi %s, just checking in. Would a quick 15 minute call next week make sense?", greetingName(lead)), nil
	}
	return fmt.Sprintf("Hi %s, just following up on my earlier message. Would a quick 15 minute call next week make sense?", greetingName(lead)), nil
}

// GuessIndustry maps a company name to a coarse niche for outreach copy.
func GuessIndustry(company string) string {
	lower := strings.ToLower(company)
	switch {
	case containsAny(lower, "tech", "software", "saas", "digital"):
		return "tech companies"
	case containsAny(lower, "marketing", "agency", "creative", "media"):
		return "marketing agencies"
	case containsAny(lower, "construction", "contracting", "building"):
		return "construction companies"
	case containsAny(lower, "real estate", "property", "realty"):
		return "real estate companies"
	case containsAny(lower, "consulting", "advisory", "consultancy"):
		return "consulting firms"
	default:
		return "businesses"
	}
}

func greetingName(lead repo.Lead) string {
	if lead.FirstName != "" {
		return lead.FirstName
	}
	return "there"
}
