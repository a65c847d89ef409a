package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/dispatch"
	"leadflow/internal/metrics"
	"leadflow/internal/nlu"
	"leadflow/internal/phone"
	"leadflow/internal/ratelimit"
	"leadflow/internal/repo"

	"golang.org/x/time/rate"
)

// ErrUnknownContact is returned when an inbound message matches no lead.
var ErrUnknownContact = errors.New("unknown contact")

const (
	historyLimit = 10
	summaryTurns = 20
	sweepLimit   = 100
)

// Inbound is a message received from a lead.
type Inbound struct {
	Contact string       `json:"contact"`
	Text    string       `json:"text"`
	Channel repo.Channel `json:"channel"`
}

// Negotiator runs the meeting flow.
type Negotiator interface {
	AskAvailability(ctx context.Context, lead repo.Lead, channel repo.Channel) error
	HandleAvailability(ctx context.Context, lead repo.Lead, text string, channel repo.Channel) error
	ConfirmTime(ctx context.Context, lead repo.Lead, channel repo.Channel) error
	HandleLeadSelection(ctx context.Context, lead repo.Lead, index int) (bool, error)
}

// Dispatcher sends lead messages.
type Dispatcher interface {
	Send(ctx context.Context, lead repo.Lead, msg dispatch.Message, apply dispatch.ApplyFunc) (dispatch.Result, error)
	SendAny(ctx context.Context, lead repo.Lead, msg dispatch.Message, apply dispatch.ApplyFunc) (dispatch.Result, error)
	Eligible(lead repo.Lead, channel repo.Channel) bool
}

// UsageSource reports channel usage for summaries.
type UsageSource interface {
	Stats(ctx context.Context, channel repo.Channel) (ratelimit.Stats, error)
}

// Notifier reaches the human operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config controls follow-up timing and outreach pacing. BulkRate is in WhatsApp messages per second.
type Config struct {
	Location           *time.Location
	FirstFollowUpAfter time.Duration
	FollowUpInterval   time.Duration
	BulkRate           float64
	BulkBatch          int
}

// Machine drives leads through their lifecycle.
type Machine struct {
	store      repo.Store
	nlu        nlu.Client
	dispatcher Dispatcher
	negotiator Negotiator
	usage      UsageSource
	notifier   Notifier
	phones     phone.Normalizer
	cfg        Config
	pacer      *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a lifecycle machine.
func New(store repo.Store, nluClient nlu.Client, d Dispatcher, neg Negotiator, usage UsageSource, notifier Notifier,
	phones phone.Normalizer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Machine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FirstFollowUpAfter <= 0 {
		cfg.FirstFollowUpAfter = 48 * time.Hour
	}
	if cfg.FollowUpInterval <= 0 {
		cfg.FollowUpInterval = 7 * 24 * time.Hour
	}
	if cfg.BulkBatch <= 0 {
		cfg.BulkBatch = 50
	}
	limit := rate.Inf
	if cfg.BulkRate > 0 {
		limit = rate.Limit(cfg.BulkRate)
	}
	return &Machine{
		store:      store,
		nlu:        nluClient,
		dispatcher: d,
		negotiator: neg,
		usage:      usage,
		notifier:   notifier,
		phones:     phones,
		cfg:        cfg,
		pacer:      rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "lifecycle"),
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Machine) transitioned(to repo.LeadStatus) {
	m.metrics.LeadTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Machine) notify(ctx context.Context, text string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, text); err != nil {
		m.logger.Warn("operator notice not delivered", "error", err)
	}
}

func (m *Machine) outreachText(ctx context.Context, lead repo.Lead) string {
	text, err := m.nlu.GenerateOutreach(ctx, lead)
	if err != nil || strings.TrimSpace(text) == "" {
		m.logger.Warn("outreach generation failed, using template", "lead_id", lead.ID, "error", err)
		text, _ = nlu.RuleBased{}.GenerateOutreach(ctx, lead)
	}
	return text
}

// ProcessNewLead sends the first outreach message, email first. It reports whether the lead was contacted.
func (m *Machine) ProcessNewLead(ctx context.Context, lead repo.Lead) (bool, error) {
	if lead.Status != repo.StatusNew {
		return false, nil
	}
	next := m.now().Add(m.cfg.FirstFollowUpAfter)
	apply := func(ctx context.Context, q repo.Queries) error {
		return SetStatus(ctx, q, lead.ID, repo.StatusContacted, &next)
	}

	res, err := m.dispatcher.SendAny(ctx, lead, dispatch.Message{Subject: "Quick question", Text: m.outreachText(ctx, lead)}, apply)
	if res.Sent {
		if err != nil {
			return true, fmt.Errorf("record outreach: %w", err)
		}
		m.transitioned(repo.StatusContacted)
		m.logger.Info("lead contacted", "lead_id", lead.ID, "channel", res.Channel)
		return true, nil
	}

	reason := res.Reason
	if reason == "" {
		reason = "no channel accepted the message"
	}
	m.logger.Warn("lead not contacted", "lead_id", lead.ID, "reason", reason, "error", err)
	m.notify(ctx, fmt.Sprintf("⚠️ Could not contact %s: %s.", lead.DisplayName(), reason))
	if err != nil {
		return false, fmt.Errorf("contact lead %s: %w", lead.ID, err)
	}
	return false, nil
}

// ProcessNewLeads contacts new leads reachable by email. WhatsApp-only leads are left to the paced
// bulk outreach; unreachable ones were reported when they were imported.
func (m *Machine) ProcessNewLeads(ctx context.Context) (int, error) {
	leads, err := m.store.ListLeads(ctx, repo.LeadFilter{Statuses: []repo.LeadStatus{repo.StatusNew}, Limit: sweepLimit})
	if err != nil {
		return 0, fmt.Errorf("list new leads: %w", err)
	}
	contacted := 0
	for _, lead := range leads {
		if ctx.Err() != nil {
			return contacted, ctx.Err()
		}
		if !m.dispatcher.Eligible(lead, repo.ChannelEmail) {
			continue
		}
		ok, err := m.ProcessNewLead(ctx, lead)
		if err != nil {
			m.logger.Warn("new lead failed", "lead_id", lead.ID, "error", err)
		}
		if ok {
			contacted++
		}
	}
	return contacted, nil
}

// ProcessFollowUps messages contacted leads whose follow-up is due.
func (m *Machine) ProcessFollowUps(ctx context.Context) (int, error) {
	now := m.now()
	leads, err := m.store.ListLeads(ctx, repo.LeadFilter{
		Statuses:  []repo.LeadStatus{repo.StatusContacted, repo.StatusFollowUp},
		DueBefore: &now,
		Limit:     sweepLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("list due follow-ups: %w", err)
	}

	sent := 0
	for _, lead := range leads {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		history, err := m.store.ListTurns(ctx, lead.ID, historyLimit)
		if err != nil {
			m.logger.Warn("history unavailable", "lead_id", lead.ID, "error", err)
		}
		text, err := m.nlu.GenerateFollowUp(ctx, lead, history)
		if err != nil || strings.TrimSpace(text) == "" {
			text, _ = nlu.RuleBased{}.GenerateFollowUp(ctx, lead, history)
		}

		next := now.Add(m.cfg.FollowUpInterval)
		res, err := m.dispatcher.SendAny(ctx, lead, dispatch.Message{Subject: "Following up", Text: text},
			func(ctx context.Context, q repo.Queries) error {
				return SetStatus(ctx, q, lead.ID, repo.StatusFollowUp, &next)
			})
		if !res.Sent || err != nil {
			m.logger.Warn("follow-up not sent", "lead_id", lead.ID, "reason", res.Reason, "error", err)
			continue
		}
		m.transitioned(repo.StatusFollowUp)
		sent++
	}
	if sent > 0 {
		m.logger.Info("follow-ups sent", "count", sent)
	}
	return sent, nil
}

// ProcessBulkOutreach contacts new WhatsApp-only leads at the configured pace.
// It stops at the first rate-limit rejection.
func (m *Machine) ProcessBulkOutreach(ctx context.Context) (int, error) {
	leads, err := m.store.ListLeads(ctx, repo.LeadFilter{
		Statuses: []repo.LeadStatus{repo.StatusNew},
		HasPhone: true,
		Limit:    m.cfg.BulkBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list outreach leads: %w", err)
	}

	sent := 0
	for _, lead := range leads {
		if m.dispatcher.Eligible(lead, repo.ChannelEmail) || !m.dispatcher.Eligible(lead, repo.ChannelWhatsApp) {
			continue
		}
		if err := m.pacer.Wait(ctx); err != nil {
			return sent, err
		}

		next := m.now().Add(m.cfg.FirstFollowUpAfter)
		msg := dispatch.Message{Channel: repo.ChannelWhatsApp, Text: m.outreachText(ctx, lead)}
		res, err := m.dispatcher.Send(ctx, lead, msg, func(ctx context.Context, q repo.Queries) error {
			return SetStatus(ctx, q, lead.ID, repo.StatusContacted, &next)
		})
		switch {
		case !res.Sent && err == nil:
			m.logger.Info("bulk outreach paused", "reason", res.Reason, "sent", sent)
			return sent, nil
		case err != nil:
			m.logger.Warn("bulk outreach failed", "lead_id", lead.ID, "error", err)
			if res.Sent {
				sent++
			}
			continue
		}
		m.transitioned(repo.StatusContacted)
		sent++
	}
	if sent > 0 {
		m.logger.Info("bulk outreach sent", "count", sent)
	}
	return sent, nil
}

// ImportResult summarises an import.
type ImportResult struct {
	Created    int      `json:"created"`
	Duplicates int      `json:"duplicates"`
	Contacted  int      `json:"contacted"`
	Errors     []string `json:"errors,omitempty"`
}

// ImportLeads creates leads, skipping known contacts, and contacts each new one.
func (m *Machine) ImportLeads(ctx context.Context, inputs []repo.LeadInput) (ImportResult, error) {
	var res ImportResult
	for i, in := range inputs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		in.Email = strings.ToLower(strings.TrimSpace(in.Email))
		in.PhoneNumber = m.phones.E164(in.PhoneNumber)
		if in.Email == "" && in.PhoneNumber == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: email or phone number is required", i+1))
			continue
		}

		_, err := m.store.FindLeadByContact(ctx, in.Email, in.PhoneNumber)
		switch {
		case err == nil:
			res.Duplicates++
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return res, fmt.Errorf("check duplicate: %w", err)
		}

		lead, err := m.store.CreateLead(ctx, in)
		if err != nil {
			m.logger.Warn("lead not created", "row", i+1, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: the lead could not be saved", i+1))
			continue
		}
		res.Created++

		ok, err := m.ProcessNewLead(ctx, *lead)
		if err != nil {
			m.logger.Warn("imported lead not contacted", "lead_id", lead.ID, "error", err)
		}
		if ok {
			res.Contacted++
		}
	}
	m.logger.Info("leads imported", "created", res.Created, "duplicates", res.Duplicates, "contacted", res.Contacted)
	return res, nil
}

func (m *Machine) resolve(ctx context.Context, in Inbound) (*repo.Lead, error) {
	var email, phoneNumber string
	switch in.Channel {
	case repo.ChannelEmail:
		email = strings.ToLower(strings.TrimSpace(in.Contact))
	default:
		phoneNumber = m.phones.E164(in.Contact)
	}
	lead, err := m.store.FindLeadByContact(ctx, email, phoneNumber)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContact, in.Contact)
	}
	return lead, err
}

// OnInbound is the single entry point for messages from leads.
func (m *Machine) OnInbound(ctx context.Context, in Inbound) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil
	}
	lead, err := m.resolve(ctx, in)
	if err != nil {
		if errors.Is(err, ErrUnknownContact) {
			m.metrics.InboundMessages.WithLabelValues(string(in.Channel), "unknown_contact").Inc()
			m.logger.Info("inbound from unknown contact dropped", "channel", in.Channel, "contact", in.Contact)
		}
		return err
	}
	m.metrics.InboundMessages.WithLabelValues(string(in.Channel), "accepted").Inc()
	logger := m.logger.With("lead_id", lead.ID, "channel", in.Channel)

	now := m.now()
	// A lead writing in before outreach went out has been contacted by that exchange.
	contacted := lead.Status == repo.StatusNew
	err = m.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error {
		if _, err := q.AppendTurn(ctx, repo.Turn{LeadID: lead.ID, Channel: in.Channel, Direction: repo.DirectionInbound, Text: text, At: now}); err != nil {
			return err
		}
		if err := q.TouchLeadContact(ctx, lead.ID, now); err != nil {
			return err
		}
		if !contacted {
			return nil
		}
		next := now.Add(m.cfg.FirstFollowUpAfter)
		return SetStatus(ctx, q, lead.ID, repo.StatusContacted, &next)
	})
	if err != nil {
		return fmt.Errorf("record inbound turn: %w", err)
	}
	if contacted {
		lead.Status = repo.StatusContacted
		m.transitioned(repo.StatusContacted)
	}
	defer m.refreshSummary(ctx, lead.ID)

	history, err := m.store.ListTurns(ctx, lead.ID, historyLimit)
	if err != nil {
		logger.Warn("history unavailable", "error", err)
	}

	if Terminal(lead.Status) {
		return m.respond(ctx, *lead, in.Channel, text, history, "")
	}

	if idx, ok := nlu.ParseSelection(text); ok {
		consumed, err := m.negotiator.HandleLeadSelection(ctx, *lead, idx)
		if consumed {
			logger.Info("lead selected a time", "option", idx+1)
			return err
		}
		if err != nil {
			logger.Warn("selection failed", "error", err)
		}
	}

	intent, err := m.nlu.ClassifyIntent(ctx, text, history)
	if err != nil {
		logger.Warn("intent classification failed, using rules", "error", err)
		intent, _ = nlu.RuleBased{}.ClassifyIntent(ctx, text, history)
	}
	logger.Debug("intent classified", "sentiment", intent.Sentiment, "stage", intent.Stage,
		"meeting", intent.RequestingMeeting, "time", intent.SpecifiedTime, "confirming", intent.ConfirmingTime)

	switch {
	case intent.SpecifiedTime && intent.Stage == nlu.StageScheduling:
		return m.negotiator.HandleAvailability(ctx, *lead, text, in.Channel)
	case intent.RequestingMeeting && !intent.SpecifiedTime:
		return m.negotiator.AskAvailability(ctx, *lead, in.Channel)
	case intent.ConfirmingTime:
		return m.negotiator.ConfirmTime(ctx, *lead, in.Channel)
	}
	return m.respond(ctx, *lead, in.Channel, text, history, StatusFor(intent))
}

// StatusFor maps an intent to the status it implies outside the meeting flow.
func StatusFor(intent nlu.Intent) repo.LeadStatus {
	switch {
	case intent.Sentiment == nlu.SentimentNegative:
		return repo.StatusNotInterested
	case intent.RequestingMeeting:
		return repo.StatusMeetingRequested
	case intent.ExpressingInterest:
		return repo.StatusInterested
	default:
		return repo.StatusResponded
	}
}

// respond replies on the inbound channel, or the first eligible one, and applies to when set.
// The status change is kept even when the reply cannot be delivered.
func (m *Machine) respond(ctx context.Context, lead repo.Lead, channel repo.Channel, text string, history []repo.Turn, to repo.LeadStatus) error {
	reply, err := m.nlu.GenerateReply(ctx, lead, history, text)
	if err != nil || strings.TrimSpace(reply) == "" {
		reply, _ = nlu.RuleBased{}.GenerateReply(ctx, lead, history, text)
	}

	var apply dispatch.ApplyFunc
	if to != "" {
		apply = func(ctx context.Context, q repo.Queries) error {
			return SetStatus(ctx, q, lead.ID, to, nil)
		}
	}

	msg := dispatch.Message{Channel: channel, Subject: "Re: our conversation", Text: reply}
	if !m.dispatcher.Eligible(lead, channel) {
		msg.Channel = ""
	}
	res, err := m.dispatcher.Send(ctx, lead, msg, apply)
	if res.Sent {
		if err != nil {
			return fmt.Errorf("record reply: %w", err)
		}
	} else {
		m.logger.Warn("reply not delivered", "lead_id", lead.ID, "reason", res.Reason, "error", err)
		if apply != nil {
			if err := m.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error { return apply(ctx, q) }); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
		}
	}
	if to != "" {
		m.transitioned(to)
	}
	return nil
}

func (m *Machine) refreshSummary(ctx context.Context, leadID string) {
	history, err := m.store.ListTurns(ctx, leadID, summaryTurns)
	if err != nil || len(history) == 0 {
		return
	}
	summary, err := m.nlu.Summarize(ctx, history)
	if err != nil || summary == "" {
		m.logger.Debug("summary skipped", "lead_id", leadID, "error", err)
		return
	}
	if err := m.store.UpdateLeadSummary(ctx, leadID, summary); err != nil {
		m.logger.Warn("summary not saved", "lead_id", leadID, "error", err)
	}
}

// Report is a snapshot of lead and channel statistics.
type Report struct {
	Day      string           `json:"day"`
	Leads    repo.LeadStats   `json:"leads"`
	WhatsApp *ratelimit.Stats `json:"whatsapp,omitempty"`
}

// Stats collects lead counts since local midnight and WhatsApp usage.
func (m *Machine) Stats(ctx context.Context) (Report, error) {
	now := m.now().In(m.cfg.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.cfg.Location)

	leads, err := m.store.LeadStats(ctx, midnight)
	if err != nil {
		return Report{}, err
	}
	r := Report{Day: now.Format(time.DateOnly), Leads: leads}
	if m.usage != nil {
		wa, err := m.usage.Stats(ctx, repo.ChannelWhatsApp)
		if err != nil {
			m.logger.Warn("whatsapp usage unavailable", "error", err)
		} else {
			r.WhatsApp = &wa
		}
	}
	return r, nil
}

// SummaryText renders the daily summary.
func (m *Machine) SummaryText(ctx context.Context) (string, error) {
	r, err := m.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("collect stats: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Daily summary for %s\n\n", r.Day)
	fmt.Fprintf(&b, "Total leads: %d\n", r.Leads.Total)
	fmt.Fprintf(&b, "Newly added today: %d\n", r.Leads.CreatedSince)
	fmt.Fprintf(&b, "In conversation: %d\n", r.Leads.Interested)
	fmt.Fprintf(&b, "Meetings scheduled: %d\n", r.Leads.MeetingsScheduled)
	if r.WhatsApp != nil {
		fmt.Fprintf(&b, "WhatsApp today: %d/%d (this hour %d/%d, all time %d)\n",
			r.WhatsApp.DailyCount, r.WhatsApp.DailyLimit, r.WhatsApp.HourlyCount, r.WhatsApp.HourlyLimit, r.WhatsApp.TotalSent)
	}
	return b.String(), nil
}

// DailySummary sends the summary to the operator.
func (m *Machine) DailySummary(ctx context.Context) error {
	text, err := m.SummaryText(ctx)
	if err != nil {
		return err
	}
	if m.notifier == nil {
		m.logger.Info("daily summary", "text", text)
		return nil
	}
	if err := m.notifier.Notify(ctx, text); err != nil {
		return fmt.Errorf("send daily summary: %w", err)
	}
	return nil
}
