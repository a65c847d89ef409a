package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/repo"

	"google.golang.org/genai"
)

// Gemini is a Client backed by the Gemini API. Every failure falls back to RuleBased.
type Gemini struct {
	client   *genai.Client
	model    string
	timeout  time.Duration
	fallback RuleBased
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ Client = (*Gemini)(nil)

// NewGemini creates the Gemini client.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.With("component", "nlu"),
		metrics: m,
	}, nil
}

func (g *Gemini) generate(ctx context.Context, operation, prompt string, jsonOut bool, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{Temperature: &temperature}
	if jsonOut {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	g.metrics.NLULatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.NLURequests.WithLabelValues(operation, "error").Inc()
		return "", fmt.Errorf("generate %s: %w", operation, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		g.metrics.NLURequests.WithLabelValues(operation, "empty").Inc()
		return "", fmt.Errorf("generate %s: empty response", operation)
	}
	g.metrics.NLURequests.WithLabelValues(operation, "ok").Inc()
	return text, nil
}

func (g *Gemini) fellBack(operation string, err error) {
	g.logger.Warn("nlu request failed, using rules", "operation", operation, "error", err)
	g.metrics.NLURequests.WithLabelValues(operation, "fallback").Inc()
}

// flexBool accepts true/false as well as "yes"/"no".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(string(data), `"`))
	*b = flexBool(s == "true" || s == "yes")
	return nil
}

type intentResponse struct {
	RequestingMeeting  flexBool `json:"requesting_meeting"`
	Sentiment          string   `json:"sentiment"`
	ExpressingInterest flexBool `json:"expressing_interest"`
	Stage              string   `json:"stage"`
	SpecifiedTime      flexBool `json:"specified_time"`
	TimeDetails        any      `json:"time_details"`
	ConfirmingTime     flexBool `json:"confirming_time"`
}

func (r intentResponse) intent() Intent {
	intent := Intent{
		Sentiment:          SentimentNeutral,
		RequestingMeeting:  bool(r.RequestingMeeting),
		ExpressingInterest: bool(r.ExpressingInterest),
		Stage:              StageGeneral,
		SpecifiedTime:      bool(r.SpecifiedTime),
		ConfirmingTime:     bool(r.ConfirmingTime),
	}
	switch s := Sentiment(strings.ToLower(r.Sentiment)); s {
	case SentimentPositive, SentimentNegative:
		intent.Sentiment = s
	}
	switch s := Stage(strings.ToLower(r.Stage)); s {
	case StagePermissionGranted, StageConfirmationYes, StageScheduling, StageObjection:
		intent.Stage = s
	}
	switch d := r.TimeDetails.(type) {
	case string:
		intent.TimeDetails = d
	case nil:
	default:
		raw, _ := json.Marshal(d)
		intent.TimeDetails = string(raw)
	}
	return intent
}

// ClassifyIntent asks the model for the intent of text.
func (g *Gemini) ClassifyIntent(ctx context.Context, text string, history []repo.Turn) (Intent, error) {
	prompt := fmt.Sprintf(`You analyze sales conversations to understand intent, stage, and meeting scheduling details.

Recent conversation:
%s
Analyze the latest message and determine:
1. Is the sender requesting a meeting or call? (true/false)
2. What is their sentiment? (positive/neutral/negative)
3. Are they expressing interest in our services? (true/false)
4. What stage are they at? (permission_granted/confirmation_yes/scheduling/objection/general)
5. Did they specify a meeting time? (true/false)
6. If yes, the time details (day, time, timezone if mentioned) as a string
7. Are they confirming a previously suggested time? (true/false)

Message: %q

Respond in JSON with keys: requesting_meeting, sentiment, expressing_interest, stage, specified_time, time_details, confirming_time`,
		formatHistory(history, 6), text)

	out, err := g.generate(ctx, "classify_intent", prompt, true, 0.3)
	if err == nil {
		var resp intentResponse
		if err = json.Unmarshal([]byte(out), &resp); err == nil {
			return resp.intent(), nil
		}
		err = fmt.Errorf("decode intent: %w", err)
	}
	g.fellBack("classify_intent", err)
	return g.fallback.ClassifyIntent(ctx, text, history)
}

type slotsResponse struct {
	Slots []struct {
		Day            string  `json:"day"`
		Time           string  `json:"time"`
		Confidence     float64 `json:"confidence"`
		ParsedDateTime string  `json:"parsed_datetime"`
	} `json:"slots"`
}

// ParseAvailability asks the model to extract slots and resolves them in now's location.
func (g *Gemini) ParseAvailability(ctx context.Context, text string, now time.Time) ([]Slot, error) {
	prompt := fmt.Sprintf(`Extract all meeting time slots mentioned in this message:
%q

Today is %s. If no year is specified, assume the next occurrence of that date.

Return JSON with a "slots" array, where each slot has:
- day: string (e.g. "Monday", "20th June", "tomorrow")
- time: string (e.g. "11am-1pm", "2:00 PM", "morning")
- confidence: number (0-1)
- parsed_datetime: string (YYYY-MM-DD HH:MM, the start of the slot)

Example input: "20th June, 11am-1pm"
Example output: {"slots": [{"day": "20th June", "time": "11am-1pm", "confidence": 0.9, "parsed_datetime": "%d-06-20 11:00"}]}`,
		text, now.Format("Monday 2006-01-02 15:04"), now.Year())

	out, err := g.generate(ctx, "parse_availability", prompt, true, 0.1)
	if err == nil {
		var resp slotsResponse
		if err = json.Unmarshal([]byte(out), &resp); err == nil {
			slots := make([]Slot, 0, len(resp.Slots))
			for _, s := range resp.Slots {
				t, perr := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(s.ParsedDateTime), now.Location())
				if perr != nil {
					g.logger.Debug("skipping unparseable slot", "value", s.ParsedDateTime)
					continue
				}
				confidence := s.Confidence
				if confidence <= 0 || confidence > 1 {
					confidence = 0.5
				}
				slots = append(slots, Slot{Display: FormatTime(t), Time: t, Confidence: confidence})
			}
			g.logger.Info("parsed availability", "slots", len(slots))
			return slots, nil
		}
		err = fmt.Errorf("decode slots: %w", err)
	}
	g.fellBack("parse_availability", err)
	return g.fallback.ParseAvailability(ctx, text, now)
}

// GenerateReply drafts a contextual reply to text.
func (g *Gemini) GenerateReply(ctx context.Context, lead repo.Lead, history []repo.Turn, text string) (string, error) {
	prompt := fmt.Sprintf(`You are a sales representative following up with %s from %s.

Based on the conversation history, write a response that:
1. Acknowledges what they just said
2. Moves the conversation forward
3. If they mentioned a specific time, confirms you will check the calendar
4. Is concise and professional

Conversation:
%s
Lead: %s

Reply with the message text only.`, lead.FirstName, lead.Company, formatHistory(history, 10), text)

	out, err := g.generate(ctx, "generate_reply", prompt, false, 0.7)
	if err != nil {
		g.fellBack("generate_reply", err)
		return g.fallback.GenerateReply(ctx, lead, history, text)
	}
	return out, nil
}

// Summarize condenses the conversation into a few sentences.
func (g *Gemini) Summarize(ctx context.Context, history []repo.Turn) (string, error) {
	if len(history) == 0 {
		return g.fallback.Summarize(ctx, history)
	}
	prompt := fmt.Sprintf(`Summarize this sales conversation in 2-3 sentences. Focus on:
- Lead's level of interest
- Current stage of the sales process
- Next steps or what they're waiting for

Conversation:
%s
Keep it concise and actionable.`, formatHistory(history, 0))

	out, err := g.generate(ctx, "summarize", prompt, false, 0.3)
	if err != nil {
		g.fellBack("summarize", err)
		return g.fallback.Summarize(ctx, history)
	}
	return out, nil
}

// GenerateOutreach writes a short first-contact message.
func (g *Gemini) GenerateOutreach(ctx context.Context, lead repo.Lead) (string, error) {
	prompt := fmt.Sprintf(`Write a SHORT, CASUAL cold outreach message:
1. Opener: direct, no pleasantries
2. Value statement specific to their niche
3. Ask permission to explain in about 20 seconds
Keep it under 100 words. No formal greetings or sign-offs.

Lead info:
- Name: %s
- Company: %s
- Industry: %s

Reply with the message text only.`, lead.FirstName, lead.Company, GuessIndustry(lead.Company))

	out, err := g.generate(ctx, "generate_outreach", prompt, false, 0.7)
	if err != nil {
		g.fellBack("generate_outreach", err)
		return g.fallback.GenerateOutreach(ctx, lead)
	}
	return out, nil
}

// GenerateFollowUp writes a nudge for a lead that has gone quiet.
func (g *Gemini) GenerateFollowUp(ctx context.Context, lead repo.Lead, history []repo.Turn) (string, error) {
	prompt := fmt.Sprintf(`Write a brief, friendly follow-up to %s from %s who has not replied yet.
Reference the earlier conversation, keep it under 50 words and end with a low-commitment question.

Conversation:
%s
Reply with the message text only.`, lead.FirstName, lead.Company, formatHistory(history, 6))

	out, err := g.generate(ctx, "generate_follow_up", prompt, false, 0.7)
	if err != nil {
		g.fellBack("generate_follow_up", err)
		return g.fallback.GenerateFollowUp(ctx, lead, history)
	}
	return out, nil
}

// formatHistory renders the last limit turns (all when limit is 0) as "Bot:"/"Lead:" lines.
func formatHistory(history []repo.Turn, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	var b strings.Builder
	for _, t := range history {
		speaker := "Lead"
		if t.Direction == repo.DirectionOutbound {
			speaker = "Bot"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, t.Text)
	}
	return b.String()
}
