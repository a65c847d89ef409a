// Package negotiation turns a lead's stated availability into a confirmed meeting,
// with a human approver deciding between matching slots, alternatives and manual times.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/approval"
	"leadflow/internal/calendar"
	"leadflow/internal/dispatch"
	"leadflow/internal/lifecycle"
	"leadflow/internal/metrics"
	"leadflow/internal/nlu"
	"leadflow/internal/repo"
)

const maxManagerTimes = 3

var errCalendar = errors.New("calendar event not created")

// Sender delivers lead messages.
type Sender interface {
	Send(ctx context.Context, lead repo.Lead, msg dispatch.Message, apply dispatch.ApplyFunc) (dispatch.Result, error)
	SendAny(ctx context.Context, lead repo.Lead, msg dispatch.Message, apply dispatch.ApplyFunc) (dispatch.Result, error)
	PreferredChannel(ctx context.Context, lead repo.Lead) (repo.Channel, error)
	Eligible(lead repo.Lead, channel repo.Channel) bool
}

// Config controls slot matching and meeting creation.
type Config struct {
	Location          *time.Location
	BusinessStartHour int
	BusinessEndHour   int
	MeetingDuration   time.Duration
	MeetingBuffer     time.Duration
	ManualInputWindow time.Duration
}

// Engine runs meeting negotiations.
type Engine struct {
	store    repo.Store
	registry *Registry
	nlu      nlu.Client
	calendar calendar.Calendar
	sender   Sender
	approver approval.Surface
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

var _ approval.Handler = (*Engine)(nil)

// NewEngine wires the negotiation engine.
func NewEngine(store repo.Store, registry *Registry, nluClient nlu.Client, cal calendar.Calendar, sender Sender,
	approver approval.Surface, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MeetingDuration <= 0 {
		cfg.MeetingDuration = 15 * time.Minute
	}
	if cfg.BusinessEndHour <= cfg.BusinessStartHour {
		cfg.BusinessStartHour, cfg.BusinessEndHour = 9, 17
	}
	if cfg.ManualInputWindow <= 0 {
		cfg.ManualInputWindow = time.Hour
	}
	return &Engine{
		store:    store,
		registry: registry,
		nlu:      nluClient,
		calendar: cal,
		sender:   sender,
		approver: approver,
		cfg:      cfg,
		logger:   logger.With("component", "negotiation"),
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) localNow() time.Time {
	return e.now().In(e.cfg.Location)
}

func setStatus(leadID string, to repo.LeadStatus) dispatch.ApplyFunc {
	return func(ctx context.Context, q repo.Queries) error {
		return lifecycle.SetStatus(ctx, q, leadID, to, nil)
	}
}

// reply sends text to the lead on channel, or on the preferred channel when empty, falling back to
// any eligible channel. apply commits with the outbound turn, or on its own when nothing was delivered.
func (e *Engine) reply(ctx context.Context, lead repo.Lead, channel repo.Channel, subject, text string, apply dispatch.ApplyFunc) (dispatch.Result, error) {
	if channel == "" {
		ch, err := e.sender.PreferredChannel(ctx, lead)
		if err != nil {
			e.logger.Warn("preferred channel lookup failed", "lead_id", lead.ID, "error", err)
		}
		channel = ch
	}

	msg := dispatch.Message{Channel: channel, Subject: subject, Text: text}
	var (
		res dispatch.Result
		err error
	)
	if channel != "" && e.sender.Eligible(lead, channel) {
		res, err = e.sender.Send(ctx, lead, msg, apply)
		if !res.Sent && err != nil {
			msg.Channel = ""
			res, err = e.sender.SendAny(ctx, lead, msg, apply)
		}
	} else {
		msg.Channel = ""
		res, err = e.sender.SendAny(ctx, lead, msg, apply)
	}
	if res.Sent {
		return res, err
	}
	if err != nil {
		e.logger.Warn("reply not delivered", "lead_id", lead.ID, "reason", res.Reason, "error", err)
	}
	if apply != nil {
		if txErr := e.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error { return apply(ctx, q) }); txErr != nil {
			return res, txErr
		}
	}
	return res, nil
}

func (e *Engine) outcome(action Action, result string) {
	e.metrics.NegotiationActions.WithLabelValues(string(action), result).Inc()
	e.metrics.ActiveNegotiations.Set(float64(e.registry.Len()))
}

// AskAvailability asks the lead for times that suit them.
func (e *Engine) AskAvailability(ctx context.Context, lead repo.Lead, channel repo.Channel) error {
	_, err := e.reply(ctx, lead, channel, "Finding a time", availabilityRequestText(lead, e.cfg.MeetingDuration),
		setStatus(lead.ID, repo.StatusMeetingRequested))
	if err != nil {
		return fmt.Errorf("ask availability: %w", err)
	}
	e.metrics.LeadTransitions.WithLabelValues(string(repo.StatusMeetingRequested)).Inc()
	return nil
}

// HandleAvailability parses the lead's times, matches them against the calendar and asks the approver to decide.
func (e *Engine) HandleAvailability(ctx context.Context, lead repo.Lead, text string, channel repo.Channel) error {
	now := e.localNow()
	slots, err := e.nlu.ParseAvailability(ctx, text, now)
	if err != nil {
		e.logger.Warn("availability parsing failed", "lead_id", lead.ID, "error", err)
		slots = nil
	}

	apply := setStatus(lead.ID, repo.StatusMeetingRequested)
	if len(slots) == 0 {
		if _, err := e.reply(ctx, lead, channel, "Finding a time", clarificationText, apply); err != nil {
			return fmt.Errorf("ask for clarification: %w", err)
		}
		return nil
	}

	matches := e.match(ctx, slots, now)
	if active, err := e.store.ActiveMeeting(ctx, lead.ID); err == nil {
		e.logger.Info("lead already has an active meeting, approval will replace it",
			"lead_id", lead.ID, "meeting_id", active.ID, "scheduled_at", active.ScheduledAt)
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.logger.Warn("active meeting lookup failed", "lead_id", lead.ID, "error", err)
	}

	n := e.registry.Create(lead.ID, slots, matches)
	e.metrics.ActiveNegotiations.Set(float64(e.registry.Len()))
	e.logger.Info("negotiation started", "negotiation_id", n.ID, "lead_id", lead.ID,
		"preferences", len(slots), "matches", len(matches))

	body, actions := approvalRequest(lead, n)
	if err := e.approver.RequestApproval(ctx, body, actions); err != nil {
		e.logger.Error("approval request failed", "negotiation_id", n.ID, "error", err)
		e.metrics.Errors.WithLabelValues("approval").Inc()
		e.registry.Remove(n.ID)
		e.metrics.ActiveNegotiations.Set(float64(e.registry.Len()))
		if _, err := e.reply(ctx, lead, channel, "Finding a time", availabilityNotedText(slots), apply); err != nil {
			return fmt.Errorf("acknowledge availability: %w", err)
		}
		return nil
	}

	if _, err := e.reply(ctx, lead, channel, "Finding a time", checkingCalendarText, apply); err != nil {
		return fmt.Errorf("acknowledge availability: %w", err)
	}
	e.metrics.LeadTransitions.WithLabelValues(string(repo.StatusMeetingRequested)).Inc()
	return nil
}

// ConfirmTime handles a plain "yes" from the lead. A confirmed meeting is repeated back.
// Meetings are only booked through the approver, so otherwise the lead is promised options.
func (e *Engine) ConfirmTime(ctx context.Context, lead repo.Lead, channel repo.Channel) error {
	meeting, err := e.store.ActiveMeeting(ctx, lead.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("active meeting: %w", err)
	}

	if meeting != nil && meeting.Status == repo.MeetingConfirmed {
		_, err := e.reply(ctx, lead, channel, "Meeting confirmed", meetingConfirmedText(meeting.ScheduledAt.In(e.cfg.Location)), nil)
		return err
	}
	if _, err := e.reply(ctx, lead, channel, "Finding a time", optionsPromisedText, setStatus(lead.ID, repo.StatusInterested)); err != nil {
		return fmt.Errorf("promise options: %w", err)
	}
	e.metrics.LeadTransitions.WithLabelValues(string(repo.StatusInterested)).Inc()
	e.notify(ctx, fmt.Sprintf("📅 %s confirmed interest in a meeting and is waiting for time options.", lead.DisplayName()))
	return nil
}

// HandleLeadSelection applies the lead's pick among manager-offered times.
// It reports false when the lead has no pending choice with that option.
func (e *Engine) HandleLeadSelection(ctx context.Context, lead repo.Lead, index int) (bool, error) {
	snap, ok := e.registry.AwaitingSelection(lead.ID)
	if !ok || index < 0 || index >= len(snap.ManagerTimes) {
		return false, nil
	}
	n, err := e.registry.Acquire(snap.ID)
	if err != nil {
		e.logger.Info("selection ignored", "negotiation_id", snap.ID, "error", err)
		return false, nil
	}
	defer e.registry.Release(n.ID)
	if index >= len(n.ManagerTimes) {
		return false, nil
	}

	slot := n.ManagerTimes[index]
	res, err := e.finalize(ctx, n, slot.Time, "Time selected by lead")
	if err != nil {
		e.logger.Error("meeting not scheduled", "negotiation_id", n.ID, "error", err)
		e.outcome(ActionSelectAlt, "failed")
		e.notify(ctx, fmt.Sprintf("⚠️ %s picked %s but the meeting could not be scheduled. %s", lead.DisplayName(), slot.Display, failureText(err)))
		return true, err
	}
	e.registry.Remove(n.ID)
	e.outcome(ActionSelectAlt, "lead_selected")

	notice := fmt.Sprintf("✅ %s selected %s. Meeting confirmed.", lead.DisplayName(), slot.Display)
	if !res.Sent {
		notice += fmt.Sprintf(" The confirmation could not be delivered (%s).", res.Reason)
	}
	e.notify(ctx, notice)
	return true, nil
}

// HandleAction executes an approver decision and returns the notice to show them.
func (e *Engine) HandleAction(ctx context.Context, token string) string {
	tok, err := ParseAction(token)
	if err != nil {
		e.logger.Warn("rejected approval action", "token", token, "error", err)
		e.metrics.NegotiationActions.WithLabelValues("unknown", "rejected").Inc()
		return NoticeUnknownAction
	}
	logger := e.logger.With("action", tok.Action, "negotiation_id", tok.NegotiationID)
	logger.Info("approval action received")

	switch tok.Action {
	case ActionApproveTime:
		return e.approve(ctx, tok, func(n Negotiation) []nlu.Slot { return n.Matches })
	case ActionSelectAlt:
		return e.approve(ctx, tok, func(n Negotiation) []nlu.Slot { return n.Alternatives })
	case ActionSuggestAlt:
		return e.suggestAlternatives(ctx, tok)
	case ActionCustomTime, ActionManagerSuggest:
		return e.requestManualInput(ctx, tok)
	case ActionDecline:
		return e.decline(ctx, tok)
	}
	return NoticeUnknownAction
}

// acquire claims the negotiation or returns the notice explaining why it cannot.
func (e *Engine) acquire(tok Token) (Negotiation, string, bool) {
	n, err := e.registry.Acquire(tok.NegotiationID)
	switch {
	case errors.Is(err, ErrNotFound):
		e.outcome(tok.Action, "processed")
		return n, NoticeProcessed, false
	case errors.Is(err, ErrBusy):
		e.outcome(tok.Action, "busy")
		return n, NoticeBusy, false
	}
	return n, "", true
}

func (e *Engine) approve(ctx context.Context, tok Token, options func(Negotiation) []nlu.Slot) string {
	snap, ok := e.registry.Get(tok.NegotiationID)
	if !ok {
		e.outcome(tok.Action, "processed")
		return NoticeProcessed
	}
	if tok.Index >= len(options(snap)) {
		e.outcome(tok.Action, "bad_option")
		return NoticeBadOption
	}

	n, notice, ok := e.acquire(tok)
	if !ok {
		return notice
	}
	defer e.registry.Release(n.ID)
	opts := options(n)
	if tok.Index >= len(opts) {
		e.outcome(tok.Action, "bad_option")
		return NoticeBadOption
	}
	slot := opts[tok.Index]

	res, err := e.finalize(ctx, n, slot.Time, "Approved by manager")
	if err != nil {
		e.logger.Error("meeting not scheduled", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return "⚠️ Could not schedule the meeting. " + failureText(err)
	}
	e.registry.Remove(n.ID)
	e.outcome(tok.Action, "confirmed")

	lead, err := e.store.GetLead(ctx, n.LeadID)
	name := n.LeadID
	if err == nil {
		name = lead.DisplayName()
	}
	notice = fmt.Sprintf("✅ Meeting confirmed with %s for %s. Calendar invite sent.", name, slot.Display)
	if !res.Sent {
		notice += fmt.Sprintf(" The confirmation could not be delivered (%s); please contact them directly.", res.Reason)
	}
	return notice
}

func (e *Engine) event(lead repo.Lead, start time.Time) calendar.Event {
	summary := "Meeting with " + lead.DisplayName()
	if lead.Company != "" {
		summary += " (" + lead.Company + ")"
	}
	return calendar.Event{
		Summary:       summary,
		Description:   meetingDescription(lead, e.localNow()),
		Start:         start,
		Duration:      e.cfg.MeetingDuration,
		AttendeeEmail: lead.Email,
	}
}

// finalize books slot for the negotiation's lead: calendar event, confirmation, meeting row and status.
// The lead's previous active meeting is replaced and its event removed.
func (e *Engine) finalize(ctx context.Context, n Negotiation, slot time.Time, notes string) (dispatch.Result, error) {
	lead, err := e.store.GetLead(ctx, n.LeadID)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("load lead: %w", err)
	}
	if err := lifecycle.Transition(lead.Status, repo.StatusMeetingScheduled); err != nil {
		return dispatch.Result{}, err
	}
	previous, err := e.store.ActiveMeeting(ctx, lead.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return dispatch.Result{}, fmt.Errorf("active meeting: %w", err)
	}

	eventID, err := e.calendar.CreateEvent(ctx, e.event(*lead, slot))
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("%w: %w", errCalendar, err)
	}
	if eventID == "" {
		return dispatch.Result{}, fmt.Errorf("%w: %w", errCalendar, calendar.ErrNoEvent)
	}

	local := slot.In(e.cfg.Location)
	meeting := repo.Meeting{
		LeadID:          lead.ID,
		ScheduledAt:     slot,
		DurationMinutes: int(e.cfg.MeetingDuration.Minutes()),
		CalendarEventID: &eventID,
		Status:          repo.MeetingConfirmed,
		Notes:           notes,
	}
	apply := func(ctx context.Context, q repo.Queries) error {
		if _, err := q.SaveMeeting(ctx, meeting); err != nil {
			return fmt.Errorf("save meeting: %w", err)
		}
		return lifecycle.SetStatus(ctx, q, lead.ID, repo.StatusMeetingScheduled, nil)
	}
	res, err := e.reply(ctx, *lead, "", "Meeting confirmed", confirmationText(local), apply)
	if err != nil {
		if delErr := e.calendar.DeleteEvent(ctx, eventID); delErr != nil {
			e.logger.Warn("orphaned calendar event", "event_id", eventID, "error", delErr)
		}
		return res, err
	}

	if previous != nil && previous.CalendarEventID != nil && *previous.CalendarEventID != eventID {
		if err := e.calendar.DeleteEvent(ctx, *previous.CalendarEventID); err != nil {
			e.logger.Warn("previous calendar event not deleted", "event_id", *previous.CalendarEventID, "error", err)
		}
	}
	e.metrics.LeadTransitions.WithLabelValues(string(repo.StatusMeetingScheduled)).Inc()
	e.logger.Info("meeting scheduled", "lead_id", lead.ID, "negotiation_id", n.ID, "at", local, "event_id", eventID)
	return res, nil
}

func (e *Engine) suggestAlternatives(ctx context.Context, tok Token) string {
	n, notice, ok := e.acquire(tok)
	if !ok {
		return notice
	}
	defer e.registry.Release(n.ID)

	lead, err := e.store.GetLead(ctx, n.LeadID)
	if err != nil {
		e.logger.Error("lead not loaded", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return NoticeLeadUnavailable
	}

	alts := e.alternatives(ctx, n.Availability, e.localNow())
	if len(alts) == 0 {
		return e.askManager(ctx, tok, n, *lead, "No free alternatives were found near the lead's preferences.")
	}
	if err := e.registry.Update(n.ID, func(x *Negotiation) { x.Alternatives = alts }); err != nil {
		e.outcome(tok.Action, "processed")
		return NoticeProcessed
	}
	n.Alternatives = alts

	body, actions := alternativesRequest(*lead, n)
	if err := e.approver.RequestApproval(ctx, body, actions); err != nil {
		e.logger.Error("alternatives not delivered", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return "⚠️ Could not send the alternatives. Please try again."
	}
	e.outcome(tok.Action, "alternatives")
	return fmt.Sprintf("🔄 %d alternative times found for %s.", len(alts), lead.DisplayName())
}

func (e *Engine) requestManualInput(ctx context.Context, tok Token) string {
	n, notice, ok := e.acquire(tok)
	if !ok {
		return notice
	}
	defer e.registry.Release(n.ID)

	lead, err := e.store.GetLead(ctx, n.LeadID)
	if err != nil {
		e.logger.Error("lead not loaded", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return NoticeLeadUnavailable
	}
	return e.askManager(ctx, tok, n, *lead, "")
}

// askManager switches the negotiation to manual input and asks the approver for times. Callers hold n.
func (e *Engine) askManager(ctx context.Context, tok Token, n Negotiation, lead repo.Lead, reason string) string {
	now := e.now()
	if err := e.registry.Update(n.ID, func(x *Negotiation) {
		x.AwaitingManagerInput = true
		x.AwaitingLeadSelection = false
		x.ManagerInputRequestedAt = now
		x.ManagerTimes = nil
	}); err != nil {
		e.outcome(tok.Action, "processed")
		return NoticeProcessed
	}

	body, actions := manualInputRequest(lead, n, reason)
	if err := e.approver.RequestApproval(ctx, body, actions); err != nil {
		e.logger.Warn("manual input request not delivered", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "manual_input")
		return body
	}
	e.outcome(tok.Action, "manual_input")
	return fmt.Sprintf("📝 Waiting for your times for %s. Reply with 2-3 options.", lead.DisplayName())
}

func (e *Engine) decline(ctx context.Context, tok Token) string {
	n, notice, ok := e.acquire(tok)
	if !ok {
		return notice
	}
	defer e.registry.Release(n.ID)

	lead, err := e.store.GetLead(ctx, n.LeadID)
	if err != nil {
		e.logger.Error("lead not loaded", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return NoticeLeadUnavailable
	}
	if err := lifecycle.Transition(lead.Status, repo.StatusNotInterested); err != nil {
		e.registry.Remove(n.ID)
		e.outcome(tok.Action, "closed")
		return fmt.Sprintf("%s is already %s. The request was closed without messaging them.", lead.DisplayName(), lead.Status)
	}

	res, err := e.reply(ctx, *lead, "", "Meeting request", declineText(*lead), setStatus(lead.ID, repo.StatusNotInterested))
	if err != nil {
		e.logger.Error("decline not applied", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return "⚠️ Could not decline the meeting. Please try again."
	}
	e.registry.Remove(n.ID)
	e.outcome(tok.Action, "declined")
	e.metrics.LeadTransitions.WithLabelValues(string(repo.StatusNotInterested)).Inc()

	if !res.Sent {
		return fmt.Sprintf("❌ Meeting with %s declined. The response could not be delivered (%s).", lead.DisplayName(), res.Reason)
	}
	return fmt.Sprintf("❌ Meeting with %s declined and a polite response was sent.", lead.DisplayName())
}

// HandleManagerText treats free text from the approver as offered times when a manual input request is open.
func (e *Engine) HandleManagerText(ctx context.Context, text string) (string, bool) {
	snap, ok := e.registry.AwaitingManagerInput(e.cfg.ManualInputWindow)
	if !ok {
		return "", false
	}
	tok := Token{Action: ActionManagerSuggest, NegotiationID: snap.ID}
	n, notice, ok := e.acquire(tok)
	if !ok {
		return notice, true
	}
	defer e.registry.Release(n.ID)

	now := e.localNow()
	parsed, err := e.nlu.ParseAvailability(ctx, text, now)
	if err != nil {
		e.logger.Warn("manager times not parsed", "negotiation_id", n.ID, "error", err)
	}
	var times []nlu.Slot
	for _, s := range parsed {
		if !s.Time.After(now) {
			continue
		}
		t := s.Time.In(e.cfg.Location)
		times = append(times, nlu.Slot{Display: nlu.FormatTime(t), Time: t, Confidence: s.Confidence})
		if len(times) == maxManagerTimes {
			break
		}
	}
	if len(times) == 0 {
		e.outcome(tok.Action, "unparseable")
		return NoticeUnparseable, true
	}

	lead, err := e.store.GetLead(ctx, n.LeadID)
	if err != nil {
		e.logger.Error("lead not loaded", "negotiation_id", n.ID, "error", err)
		e.outcome(tok.Action, "failed")
		return NoticeLeadUnavailable, true
	}
	res, err := e.reply(ctx, *lead, "", "Meeting times", optionsText(*lead, times), nil)
	if err != nil || !res.Sent {
		e.logger.Warn("manager times not delivered", "negotiation_id", n.ID, "reason", res.Reason, "error", err)
		reason := res.Reason
		if reason == "" {
			reason = "the message was not delivered"
		}
		e.outcome(tok.Action, "failed")
		return fmt.Sprintf("⚠️ Failed to send the options to %s (%s). Please try again or contact them directly.", lead.DisplayName(), reason), true
	}

	if err := e.registry.Update(n.ID, func(x *Negotiation) {
		x.ManagerTimes = times
		x.AwaitingManagerInput = false
		x.AwaitingLeadSelection = true
	}); err != nil {
		e.outcome(tok.Action, "processed")
		return NoticeProcessed, true
	}
	e.outcome(tok.Action, "options_sent")
	return fmt.Sprintf("✅ Time options sent to %s:\n%s\n\nI'll let you know when they respond.", lead.DisplayName(), bullets(times, 0)), true
}

// failureText explains a scheduling failure to the approver. Error details stay in the logs.
func failureText(err error) string {
	switch {
	case errors.Is(err, errCalendar):
		return "The calendar did not accept the event, please retry."
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "The lead's status no longer allows booking this meeting."
	case errors.Is(err, dispatch.ErrNoChannel):
		return "The lead has no reachable channel for the confirmation."
	case errors.Is(err, repo.ErrNotFound):
		return "The lead could not be found."
	default:
		return "The meeting could not be saved, please retry."
	}
}

func (e *Engine) notify(ctx context.Context, text string) {
	if err := e.approver.Notify(ctx, text); err != nil {
		e.logger.Warn("approver notice not delivered", "error", err, "text", strings.SplitN(text, "\n", 2)[0])
	}
}

// Pending returns the number of live negotiations.
func (e *Engine) Pending() int {
	return e.registry.Len()
}
