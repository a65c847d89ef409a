package negotiation

import (
	"context"
	"strings"
	"testing"
	"time"

	"leadflow/internal/approval"
	"leadflow/internal/calendar"
	"leadflow/internal/dispatch"
	"leadflow/internal/dispatch/dispatchtest"
	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/nlu"
	"leadflow/internal/repo"
	"leadflow/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedNLU returns canned availability for known texts.
type scriptedNLU struct {
	nlu.RuleBased
	slots map[string][]nlu.Slot
}

func (s scriptedNLU) ParseAvailability(_ context.Context, text string, _ time.Time) ([]nlu.Slot, error) {
	return s.slots[text], nil
}

func at(day, hour int) time.Time {
	return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC)
}

func slotAt(day, hour int) nlu.Slot {
	t := at(day, hour)
	return nlu.Slot{Display: nlu.FormatTime(t), Time: t, Confidence: 0.9}
}

type fixture struct {
	store    *repo.SQLiteRepository
	email    *dispatchtest.Sender
	cal      *calendar.Memory
	approver *approval.LogOnly
	registry *Registry
	d        *dispatch.Dispatcher
	engine   *Engine
	lead     repo.Lead
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.NewSQLite(t)
	m := metrics.NewUnregistered()
	now := func() time.Time { return at(16, 9) }

	f := &fixture{
		store:    store,
		email:    &dispatchtest.Sender{},
		cal:      calendar.NewMemory(),
		approver: approval.NewLogOnly(logging.Discard()),
		registry: NewRegistry(24 * time.Hour),
	}
	f.registry.SetClock(now)
	f.d = dispatch.New(store, f.email, nil, nil, dispatch.Config{EmailEnabled: true}, logging.Discard(), m)
	f.d.SetClock(now)

	f.engine = f.newEngine(scriptedNLU{slots: map[string][]nlu.Slot{
		"friday late morning": {slotAt(20, 11)},
		"saturday":            {slotAt(21, 10)},
		"manager times":       {slotAt(17, 14), slotAt(18, 10)},
		"past only":           {slotAt(13, 10)},
	}})

	lead := repotest.CreateLead(t, store, repo.LeadInput{FirstName: "Anna", LastName: "Berg", Company: "Acme", Email: "anna@acme.io", EmailVerified: true})
	require.NoError(t, store.UpdateLeadStatus(context.Background(), lead.ID, repo.StatusInterested, nil))
	lead, err := store.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	f.lead = *lead
	return f
}

// newEngine builds an engine over the fixture's collaborators with the given language understanding.
func (f *fixture) newEngine(client nlu.Client) *Engine {
	e := NewEngine(f.store, f.registry, client, f.cal, f.d, f.approver, Config{
		Location:          time.UTC,
		BusinessStartHour: 9,
		BusinessEndHour:   17,
		MeetingDuration:   15 * time.Minute,
		ManualInputWindow: time.Hour,
	}, logging.Discard(), metrics.NewUnregistered())
	e.SetClock(func() time.Time { return at(16, 9) })
	return e
}

func (f *fixture) lastRequest(t *testing.T) approval.Message {
	t.Helper()
	msgs := f.approver.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(msgs[i].Actions) > 0 {
			return msgs[i]
		}
	}
	t.Fatal("no approval request")
	return approval.Message{}
}

func (f *fixture) token(t *testing.T, prefix string) string {
	t.Helper()
	for _, a := range f.lastRequest(t).Actions {
		if strings.HasPrefix(a.Token, prefix) {
			return a.Token
		}
	}
	t.Fatalf("no %s action", prefix)
	return ""
}

func (f *fixture) status(t *testing.T) repo.LeadStatus {
	t.Helper()
	lead, err := f.store.GetLead(context.Background(), f.lead.ID)
	require.NoError(t, err)
	return lead.Status
}

func TestAskAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.AskAvailability(ctx, f.lead, repo.ChannelEmail))
	assert.Contains(t, f.email.Last().Text, "Could you share 2-3 times")
	assert.Equal(t, repo.StatusMeetingRequested, f.status(t))
}

func TestApproveMatchingSlotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	assert.Equal(t, checkingCalendarText, f.email.Last().Text)
	assert.Equal(t, repo.StatusMeetingRequested, f.status(t))

	req := f.lastRequest(t)
	assert.Contains(t, req.Text, "Friday, June 20 at 11:00 AM")
	assert.Equal(t, "✅ Approve: Friday, June 20 at 11:00 AM", req.Actions[0].Label)

	approve := f.token(t, "approve_time:")
	notice := f.engine.HandleAction(ctx, approve)
	assert.True(t, strings.HasPrefix(notice, "✅ Meeting confirmed with Anna Berg"), notice)
	assert.Equal(t, confirmationText(at(20, 11)), f.email.Last().Text)
	assert.Equal(t, repo.StatusMeetingScheduled, f.status(t))

	meeting, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.MeetingConfirmed, meeting.Status)
	assert.True(t, meeting.ScheduledAt.Equal(at(20, 11)))
	require.NotNil(t, meeting.CalendarEventID)
	assert.Len(t, f.cal.Events(), 1)

	sent := len(f.email.Sent())
	assert.Equal(t, NoticeProcessed, f.engine.HandleAction(ctx, approve))
	assert.Len(t, f.email.Sent(), sent)
	assert.Len(t, f.cal.Events(), 1)
	assert.Equal(t, 0, f.registry.Len())
}

func TestWrittenAvailabilityBooksOneMeeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine = f.newEngine(nlu.RuleBased{})

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "20th June, 11am-1pm", repo.ChannelEmail))
	assert.Contains(t, f.lastRequest(t).Text, "Friday, June 20 at 11:00 AM")

	approve, err := ParseAction(f.token(t, "approve_time:"))
	require.NoError(t, err)
	require.Equal(t, 0, approve.Index)
	notice := f.engine.HandleAction(ctx, approve.String())
	assert.Contains(t, notice, "Meeting confirmed with Anna Berg for Friday, June 20 at 11:00 AM")

	count, err := f.store.CountActiveMeetings(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	meeting, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.MeetingConfirmed, meeting.Status)
	assert.True(t, meeting.ScheduledAt.Equal(at(20, 11)), meeting.ScheduledAt)
	require.NotNil(t, meeting.CalendarEventID)
	events := f.cal.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events, *meeting.CalendarEventID)
	assert.Equal(t, repo.StatusMeetingScheduled, f.status(t))
}

func TestReapprovalKeepsOneActiveMeeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	f.engine.HandleAction(ctx, f.token(t, "approve_time:"))

	// Reopen the lead as if it asked to reschedule.
	require.NoError(t, f.store.UpdateLeadStatus(ctx, f.lead.ID, repo.StatusInterested, nil))
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "manager times", repo.ChannelEmail))
	notice := f.engine.HandleAction(ctx, f.token(t, "approve_time:"))
	assert.Contains(t, notice, "Tuesday, June 17 at 02:00 PM")

	count, err := f.store.CountActiveMeetings(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	meeting, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.True(t, meeting.ScheduledAt.Equal(at(17, 14)))
	assert.Len(t, f.cal.Events(), 1)
}

func TestBusyNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))

	approve := f.token(t, "approve_time:")
	tok, err := ParseAction(approve)
	require.NoError(t, err)
	_, err = f.registry.Acquire(tok.NegotiationID)
	require.NoError(t, err)

	assert.Equal(t, NoticeBusy, f.engine.HandleAction(ctx, approve))
	assert.Empty(t, f.cal.Events())

	f.registry.Release(tok.NegotiationID)
	assert.Contains(t, f.engine.HandleAction(ctx, approve), "Meeting confirmed")
}

func TestUnknownAndOutOfRangeActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	tok, err := ParseAction(f.token(t, "approve_time:"))
	require.NoError(t, err)

	assert.Equal(t, NoticeUnknownAction, f.engine.HandleAction(ctx, "launch:"+tok.NegotiationID))
	assert.Equal(t, NoticeBadOption, f.engine.HandleAction(ctx, Token{Action: ActionApproveTime, NegotiationID: tok.NegotiationID, Index: 3}.String()))
	assert.Equal(t, NoticeProcessed, f.engine.HandleAction(ctx, "decline:0000000000000000"))
	assert.Equal(t, 1, f.registry.Len())
}

func TestDeclineMarksLeadNotInterested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))

	notice := f.engine.HandleAction(ctx, f.token(t, "decline:"))
	assert.Contains(t, notice, "declined and a polite response was sent")
	assert.Contains(t, f.email.Last().Text, "calendar is quite full")
	assert.Equal(t, repo.StatusNotInterested, f.status(t))
	assert.Equal(t, 0, f.registry.Len())

	turn, err := f.store.LastTurn(ctx, f.lead.ID, repo.DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, f.email.Last().Text, turn.Text)
	assert.Equal(t, repo.ChannelEmail, turn.Channel)
}

func TestClarificationWhenNothingParses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "whenever", repo.ChannelEmail))
	assert.Equal(t, clarificationText, f.email.Last().Text)
	assert.Empty(t, f.approver.Messages())
	assert.Equal(t, repo.StatusMeetingRequested, f.status(t))
}

func TestNoMatchesOffersManagerSuggest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "saturday", repo.ChannelEmail))
	req := f.lastRequest(t)
	assert.Contains(t, req.Text, "No exact matches found")
	var tokens []string
	for _, a := range req.Actions {
		tokens = append(tokens, strings.SplitN(a.Token, ":", 2)[0])
	}
	assert.Equal(t, []string{"suggest_alt", "manager_suggest", "decline"}, tokens)
}

func TestSuggestAlternativesAroundBusySlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cal.Block(at(20, 11), at(20, 12))

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	assert.Contains(t, f.lastRequest(t).Text, "No exact matches found")

	f.engine.HandleAction(ctx, f.token(t, "suggest_alt:"))
	req := f.lastRequest(t)
	assert.Contains(t, req.Text, "Friday, June 20 at 12:00 PM")
	assert.Contains(t, req.Text, "Friday, June 20 at 10:00 AM")
	assert.NotContains(t, req.Text, "11:00 AM")

	first, err := ParseAction(f.token(t, "select_alt:"))
	require.NoError(t, err)
	first.Index = 1
	notice := f.engine.HandleAction(ctx, first.String())
	assert.Contains(t, notice, "Friday, June 20 at 10:00 AM")
	meeting, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.True(t, meeting.ScheduledAt.Equal(at(20, 10)))
}

func TestManagerTimesAndLeadSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "saturday", repo.ChannelEmail))
	notice := f.engine.HandleAction(ctx, f.token(t, "manager_suggest:"))
	assert.Contains(t, notice, "Waiting for your times")

	notice, handled := f.engine.HandleManagerText(ctx, "past only")
	assert.True(t, handled)
	assert.Equal(t, NoticeUnparseable, notice)

	notice, handled = f.engine.HandleManagerText(ctx, "manager times")
	assert.True(t, handled)
	assert.Contains(t, notice, "Time options sent to Anna Berg")
	assert.Contains(t, f.email.Last().Text, "2. Wednesday, June 18 at 10:00 AM")
	assert.Contains(t, f.email.Last().Text, "(1 or 2)")

	_, handled = f.engine.HandleManagerText(ctx, "manager times")
	assert.False(t, handled)

	ok, err := f.engine.HandleLeadSelection(ctx, f.lead, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.engine.HandleLeadSelection(ctx, f.lead, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	meeting, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.True(t, meeting.ScheduledAt.Equal(at(18, 10)))
	assert.Equal(t, repo.StatusMeetingScheduled, f.status(t))

	msgs := f.approver.Messages()
	assert.Contains(t, msgs[len(msgs)-1].Text, "selected Wednesday, June 18 at 10:00 AM")
}

func TestCalendarFailureKeepsNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	f.cal.FailCreate = true

	approve := f.token(t, "approve_time:")
	notice := f.engine.HandleAction(ctx, approve)
	assert.Equal(t, "⚠️ Could not schedule the meeting. The calendar did not accept the event, please retry.", notice)
	assert.NotContains(t, notice, calendar.ErrNoEvent.Error())
	assert.NotContains(t, notice, errCalendar.Error())
	assert.Equal(t, repo.StatusMeetingRequested, f.status(t))
	_, err := f.store.ActiveMeeting(ctx, f.lead.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	f.cal.FailCreate = false
	assert.Contains(t, f.engine.HandleAction(ctx, approve), "Meeting confirmed")
}

func TestConfirmTimeWithoutMeetingPromisesOptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.engine.ConfirmTime(ctx, f.lead, repo.ChannelEmail))
	assert.Equal(t, optionsPromisedText, f.email.Last().Text)
	assert.Equal(t, repo.StatusInterested, f.status(t))
}

func TestConfirmTimeRepeatsConfirmedMeeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "friday late morning", repo.ChannelEmail))
	f.engine.HandleAction(ctx, f.token(t, "approve_time:"))

	require.NoError(t, f.store.UpdateLeadStatus(ctx, f.lead.ID, repo.StatusInterested, nil))
	require.NoError(t, f.engine.ConfirmTime(ctx, f.lead, repo.ChannelEmail))
	assert.Equal(t, meetingConfirmedText(at(20, 11)), f.email.Last().Text)
	assert.Equal(t, repo.StatusInterested, f.status(t))
	assert.Len(t, f.cal.Events(), 1)
}

func TestAlternativesSkipWeekendsAndPast(t *testing.T) {
	f := newFixture(t)
	now := at(16, 9)

	alts := f.engine.alternatives(context.Background(), []nlu.Slot{slotAt(21, 10)}, now)
	require.NotEmpty(t, alts)
	for _, a := range alts {
		assert.False(t, weekend(a.Time), a.Display)
		assert.True(t, a.Time.After(now))
	}
	assert.True(t, alts[0].Time.Equal(at(23, 10)))

	alts = f.engine.alternatives(context.Background(), []nlu.Slot{slotAt(13, 10)}, now)
	require.NotEmpty(t, alts)
	assert.True(t, alts[0].Time.Equal(at(23, 10)))
}

func TestFailedSelectionNoticeHidesErrorChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.HandleAvailability(ctx, f.lead, "saturday", repo.ChannelEmail))
	f.engine.HandleAction(ctx, f.token(t, "manager_suggest:"))
	_, handled := f.engine.HandleManagerText(ctx, "manager times")
	require.True(t, handled)

	f.cal.FailCreate = true
	ok, err := f.engine.HandleLeadSelection(ctx, f.lead, 0)
	assert.True(t, ok)
	assert.ErrorIs(t, err, calendar.ErrNoEvent)

	msgs := f.approver.Messages()
	last := msgs[len(msgs)-1].Text
	assert.Equal(t, "⚠️ Anna Berg picked Tuesday, June 17 at 02:00 PM but the meeting could not be scheduled. The calendar did not accept the event, please retry.", last)
	assert.Equal(t, 1, f.registry.Len())
}
