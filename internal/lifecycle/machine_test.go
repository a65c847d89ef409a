package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow/internal/approval"
	"leadflow/internal/dispatch"
	"leadflow/internal/dispatch/dispatchtest"
	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/nlu"
	"leadflow/internal/phone"
	"leadflow/internal/ratelimit"
	"leadflow/internal/repo"
	"leadflow/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type negotiatorCall struct {
	Op    string
	Text  string
	Index int
}

type fakeNegotiator struct {
	calls   []negotiatorCall
	consume bool
}

func (f *fakeNegotiator) AskAvailability(_ context.Context, _ repo.Lead, _ repo.Channel) error {
	f.calls = append(f.calls, negotiatorCall{Op: "ask"})
	return nil
}

func (f *fakeNegotiator) HandleAvailability(_ context.Context, _ repo.Lead, text string, _ repo.Channel) error {
	f.calls = append(f.calls, negotiatorCall{Op: "availability", Text: text})
	return nil
}

func (f *fakeNegotiator) ConfirmTime(_ context.Context, _ repo.Lead, _ repo.Channel) error {
	f.calls = append(f.calls, negotiatorCall{Op: "confirm"})
	return nil
}

func (f *fakeNegotiator) HandleLeadSelection(_ context.Context, _ repo.Lead, index int) (bool, error) {
	f.calls = append(f.calls, negotiatorCall{Op: "select", Index: index})
	return f.consume, nil
}

var testNow = time.Date(2025, 6, 16, 10, 10, 0, 0, time.UTC)

type machineFixture struct {
	store    *repo.SQLiteRepository
	email    *dispatchtest.Sender
	whatsapp *dispatchtest.Sender
	notifier *approval.LogOnly
	neg      *fakeNegotiator
	machine  *Machine
}

func newMachineFixture(t *testing.T, limits ratelimit.Limits) *machineFixture {
	t.Helper()
	store := repotest.NewSQLite(t)
	m := metrics.NewUnregistered()
	now := func() time.Time { return testNow }

	limiter := ratelimit.New(ratelimit.NewStoreBackend(store), limits, time.UTC, logging.Discard(), m)
	limiter.SetClock(now)

	f := &machineFixture{
		store:    store,
		email:    &dispatchtest.Sender{},
		whatsapp: &dispatchtest.Sender{},
		notifier: approval.NewLogOnly(logging.Discard()),
		neg:      &fakeNegotiator{},
	}
	d := dispatch.New(store, f.email, f.whatsapp, limiter, dispatch.Config{EmailEnabled: true, WhatsAppEnabled: true}, logging.Discard(), m)
	d.SetClock(now)

	f.machine = New(store, nlu.RuleBased{}, d, f.neg, limiter, f.notifier, phone.NewNormalizer("NL"), Config{
		Location:           time.UTC,
		FirstFollowUpAfter: 48 * time.Hour,
		FollowUpInterval:   7 * 24 * time.Hour,
	}, logging.Discard(), m)
	f.machine.SetClock(now)
	return f
}

func (f *machineFixture) lead(t *testing.T, id string) *repo.Lead {
	t.Helper()
	lead, err := f.store.GetLead(context.Background(), id)
	require.NoError(t, err)
	return lead
}

func TestProcessNewLeadPrefersEmail(t *testing.T) {
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Company: "Acme Software", Email: "anna@acme.io", EmailVerified: true, PhoneNumber: "+31612345678"})

	ok, err := f.machine.ProcessNewLead(context.Background(), *lead)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.email.Sent(), 1)
	assert.Empty(t, f.whatsapp.Sent())

	got := f.lead(t, lead.ID)
	assert.Equal(t, repo.StatusContacted, got.Status)
	require.NotNil(t, got.NextFollowUpAt)
	assert.True(t, got.NextFollowUpAt.Equal(testNow.Add(48*time.Hour)))
}

func TestProcessNewLeadWithoutChannel(t *testing.T) {
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Ben", Email: "ben@example.com"})

	ok, err := f.machine.ProcessNewLead(context.Background(), *lead)
	assert.ErrorIs(t, err, dispatch.ErrNoChannel)
	assert.False(t, ok)
	assert.Equal(t, repo.StatusNew, f.lead(t, lead.ID).Status)
	assert.Empty(t, f.email.Sent())

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "⚠️ Could not contact Ben: the lead has no reachable channel.", msgs[0].Text)
}

func TestProcessNewLeadNoticeHidesSendError(t *testing.T) {
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	f.email.Err = errors.New("smtp: 535 5.7.8 authentication failed for relay.acme.io")
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Email: "anna@acme.io", EmailVerified: true})

	ok, err := f.machine.ProcessNewLead(context.Background(), *lead)
	require.Error(t, err)
	assert.False(t, ok)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "⚠️ Could not contact Anna: email: the email service is unavailable right now.", msgs[0].Text)
	assert.NotContains(t, msgs[0].Text, "smtp")
}

func TestOnInboundUnknownContact(t *testing.T) {
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	err := f.machine.OnInbound(context.Background(), Inbound{Contact: "+31699999999", Text: "hi", Channel: repo.ChannelWhatsApp})
	assert.ErrorIs(t, err, ErrUnknownContact)
}

func TestOnInboundNegativeReply(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Email: "anna@acme.io", EmailVerified: true})
	require.NoError(t, f.store.UpdateLeadStatus(ctx, lead.ID, repo.StatusContacted, nil))

	require.NoError(t, f.machine.OnInbound(ctx, Inbound{Contact: "Anna@Acme.io", Text: "Not interested, please remove me.", Channel: repo.ChannelEmail}))
	assert.Equal(t, repo.StatusNotInterested, f.lead(t, lead.ID).Status)
	assert.Len(t, f.email.Sent(), 1)

	turns, err := f.store.ListTurns(ctx, lead.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, repo.DirectionInbound, turns[0].Direction)
	assert.Equal(t, repo.DirectionOutbound, turns[1].Direction)
	assert.Empty(t, f.neg.calls)
}

func TestOnInboundRoutesMeetingFlow(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "meeting request", text: "Can we schedule a call?", want: "ask"},
		{name: "availability", text: "How about Friday 20th June at 11am?", want: "availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newMachineFixture(t, ratelimit.DefaultLimits)
			lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", PhoneNumber: "+31612345678"})
			require.NoError(t, f.store.UpdateLeadStatus(ctx, lead.ID, repo.StatusContacted, nil))

			require.NoError(t, f.machine.OnInbound(ctx, Inbound{Contact: "0612345678", Text: tt.text, Channel: repo.ChannelWhatsApp}))
			require.Len(t, f.neg.calls, 1)
			assert.Equal(t, tt.want, f.neg.calls[0].Op)
		})
	}
}

func TestOnInboundSelectionGoesToNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	f.neg.consume = true
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", PhoneNumber: "+31612345678"})
	require.NoError(t, f.store.UpdateLeadStatus(ctx, lead.ID, repo.StatusMeetingRequested, nil))

	require.NoError(t, f.machine.OnInbound(ctx, Inbound{Contact: "+31612345678", Text: "2", Channel: repo.ChannelWhatsApp}))
	assert.Equal(t, []negotiatorCall{{Op: "select", Index: 1}}, f.neg.calls)
	assert.Empty(t, f.whatsapp.Sent())
}

func TestOnInboundTerminalLeadOnlyGetsReply(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", PhoneNumber: "+31612345678"})
	require.NoError(t, f.store.UpdateLeadStatus(ctx, lead.ID, repo.StatusMeetingScheduled, nil))

	require.NoError(t, f.machine.OnInbound(ctx, Inbound{Contact: "+31612345678", Text: "Can we schedule another call?", Channel: repo.ChannelWhatsApp}))
	assert.Empty(t, f.neg.calls)
	assert.Len(t, f.whatsapp.Sent(), 1)
	assert.Equal(t, repo.StatusMeetingScheduled, f.lead(t, lead.ID).Status)
}

func TestProcessFollowUps(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	due := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Due", Email: "due@acme.io", EmailVerified: true})
	later := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Later", Email: "later@acme.io", EmailVerified: true})

	past, future := testNow.Add(-time.Hour), testNow.Add(time.Hour)
	require.NoError(t, f.store.UpdateLeadStatus(ctx, due.ID, repo.StatusContacted, &past))
	require.NoError(t, f.store.UpdateLeadStatus(ctx, later.ID, repo.StatusContacted, &future))

	sent, err := f.machine.ProcessFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, "due@acme.io", f.email.Last().To)

	got := f.lead(t, due.ID)
	assert.Equal(t, repo.StatusFollowUp, got.Status)
	require.NotNil(t, got.NextFollowUpAt)
	assert.True(t, got.NextFollowUpAt.Equal(testNow.Add(7*24*time.Hour)))
	assert.Equal(t, repo.StatusContacted, f.lead(t, later.ID).Status)
}

func TestBulkOutreachStopsAtRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.Limits{Daily: 10, Hourly: 1})
	first := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "One", PhoneNumber: "+31612345671"})
	second := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Two", PhoneNumber: "+31612345672"})

	sent, err := f.machine.ProcessBulkOutreach(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, f.whatsapp.Sent(), 1)
	assert.Equal(t, repo.StatusContacted, f.lead(t, first.ID).Status)
	assert.Equal(t, repo.StatusNew, f.lead(t, second.ID).Status)
}

func TestImportLeads(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Known", Email: "known@acme.io"})

	res, err := f.machine.ImportLeads(ctx, []repo.LeadInput{
		{FirstName: "Known", Email: " Known@Acme.io "},
		{FirstName: "Nina", PhoneNumber: "06 1234 5678"},
		{FirstName: "Nobody"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Contacted)
	assert.Len(t, res.Errors, 1)

	lead, err := f.store.FindLeadByContact(ctx, "", "+31612345678")
	require.NoError(t, err)
	assert.Equal(t, "Nina", lead.FirstName)
	assert.Equal(t, repo.StatusContacted, lead.Status)
}

func TestDailySummary(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Email: "anna@acme.io"})
	require.NoError(t, f.store.UpdateLeadStatus(ctx, lead.ID, repo.StatusInterested, nil))

	require.NoError(t, f.machine.DailySummary(ctx))
	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Daily summary for 2025-06-16")
	assert.Contains(t, msgs[0].Text, "Total leads: 1")
	assert.Contains(t, msgs[0].Text, "In conversation: 1")
	assert.Contains(t, msgs[0].Text, "WhatsApp today: 0/200")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, repo.StatusNotInterested, StatusFor(nlu.Intent{Sentiment: nlu.SentimentNegative, RequestingMeeting: true}))
	assert.Equal(t, repo.StatusMeetingRequested, StatusFor(nlu.Intent{RequestingMeeting: true, ExpressingInterest: true}))
	assert.Equal(t, repo.StatusInterested, StatusFor(nlu.Intent{ExpressingInterest: true}))
	assert.Equal(t, repo.StatusResponded, StatusFor(nlu.Intent{}))
}

func TestProcessNewLeadsSkipsWhatsAppOnly(t *testing.T) {
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	mail := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Mail", Email: "mail@acme.io", EmailVerified: true})
	wa := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Chat", PhoneNumber: "+31612345678"})

	n, err := f.machine.ProcessNewLeads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, repo.StatusContacted, f.lead(t, mail.ID).Status)
	assert.Equal(t, repo.StatusNew, f.lead(t, wa.ID).Status)
	assert.Empty(t, f.whatsapp.Sent())
}

func TestOnInboundFromNewLeadCountsAsContact(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Email: "anna@acme.io", EmailVerified: true})

	require.NoError(t, f.machine.OnInbound(ctx, Inbound{Contact: "anna@acme.io", Text: "Not interested, please remove me.", Channel: repo.ChannelEmail}))
	assert.Equal(t, repo.StatusNotInterested, f.lead(t, lead.ID).Status)
	assert.Len(t, f.email.Sent(), 1)

	ok, err := f.machine.ProcessNewLead(ctx, *f.lead(t, lead.ID))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.email.Sent(), 1)
}
