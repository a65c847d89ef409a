package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow/internal/dispatch/dispatchtest"
	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/ratelimit"
	"leadflow/internal/repo"
	"leadflow/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *repo.SQLiteRepository
	email    *dispatchtest.Sender
	whatsapp *dispatchtest.Sender
	limiter  *ratelimit.Limiter
	d        *Dispatcher
}

func newFixture(t *testing.T, limits ratelimit.Limits) *fixture {
	t.Helper()
	store := repotest.NewSQLite(t)
	m := metrics.NewUnregistered()
	f := &fixture{
		store:    store,
		email:    &dispatchtest.Sender{},
		whatsapp: &dispatchtest.Sender{},
		limiter:  ratelimit.New(ratelimit.NewStoreBackend(store), limits, time.UTC, logging.Discard(), m),
	}
	f.d = New(store, f.email, f.whatsapp, f.limiter, Config{EmailEnabled: true, WhatsAppEnabled: true}, logging.Discard(), m)
	return f
}

func TestSendPrefersEmailAndRunsApplyInSameTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Anna", Email: "anna@acme.io", EmailVerified: true, PhoneNumber: "+31612345678"})

	next := time.Now().Add(48 * time.Hour)
	res, err := f.d.Send(ctx, *lead, Message{Text: "Hello"}, func(ctx context.Context, q repo.Queries) error {
		return q.UpdateLeadStatus(ctx, lead.ID, repo.StatusContacted, &next)
	})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, repo.ChannelEmail, res.Channel)
	assert.Equal(t, "anna@acme.io", f.email.Last().To)
	assert.Empty(t, f.whatsapp.Sent())

	got, err := f.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StatusContacted, got.Status)
	assert.NotNil(t, got.LastContactAt)

	turn, err := f.store.LastTurn(ctx, lead.ID, repo.DirectionOutbound)
	require.NoError(t, err)
	assert.Equal(t, "Hello", turn.Text)
	assert.Equal(t, repo.ChannelEmail, turn.Channel)
}

func TestSendWithoutChannelRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Bob", Email: "bob@acme.io"})

	res, err := f.d.SendAny(ctx, *lead, Message{Text: "Hello"}, nil)
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.False(t, res.Sent)

	_, err = f.store.LastTurn(ctx, lead.ID, repo.DirectionOutbound)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWhatsAppRateLimitRejectionRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.Limits{Daily: 10, Hourly: 1})
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Cas", PhoneNumber: "+31612345678"})

	res, err := f.d.Send(ctx, *lead, Message{Text: "first"}, nil)
	require.NoError(t, err)
	require.True(t, res.Sent)

	applied := false
	res, err = f.d.Send(ctx, *lead, Message{Text: "second"}, func(context.Context, repo.Queries) error {
		applied = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Contains(t, res.Reason, "Hourly limit reached (1)")
	assert.False(t, applied)
	assert.Len(t, f.whatsapp.Sent(), 1)

	turns, err := f.store.ListTurns(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestSendAnyFallsBackToWhatsApp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.DefaultLimits)
	f.email.Err = errors.New("smtp down")
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Dee", Email: "dee@acme.io", EmailVerified: true, PhoneNumber: "+31612345678"})

	res, err := f.d.SendAny(ctx, *lead, Message{Text: "Hello"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, repo.ChannelWhatsApp, res.Channel)

	stats, err := f.limiter.Stats(ctx, repo.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DailyCount)
}

func TestPreferredChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Eve", Email: "eve@acme.io", EmailVerified: true, PhoneNumber: "+31612345678"})

	ch, err := f.d.PreferredChannel(ctx, *lead)
	require.NoError(t, err)
	assert.Equal(t, repo.ChannelEmail, ch, "first contact prefers email")

	_, err = f.store.AppendTurn(ctx, repo.Turn{LeadID: lead.ID, Channel: repo.ChannelEmail, Direction: repo.DirectionOutbound, Text: "hi"})
	require.NoError(t, err)
	_, err = f.store.AppendTurn(ctx, repo.Turn{LeadID: lead.ID, Channel: repo.ChannelWhatsApp, Direction: repo.DirectionInbound, Text: "hey"})
	require.NoError(t, err)

	ch, err = f.d.PreferredChannel(ctx, *lead)
	require.NoError(t, err)
	assert.Equal(t, repo.ChannelWhatsApp, ch, "last inbound channel wins")
}

func TestFailedWhatsAppSendReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ratelimit.Limits{Daily: 10, Hourly: 1})
	f.whatsapp.Err = errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Fay", PhoneNumber: "+31612345678"})

	res, err := f.d.Send(ctx, *lead, Message{Text: "Hello"}, nil)
	require.Error(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "WhatsApp is unavailable right now", res.Reason)
	assert.NotContains(t, res.Reason, "connection refused")

	stats, err := f.limiter.Stats(ctx, repo.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.HourlyCount)

	f.whatsapp.Err = nil
	res, err = f.d.Send(ctx, *lead, Message{Text: "Hello again"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Sent)
}

func TestNoChannelReasonIsPlainLanguage(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultLimits)
	lead := repotest.CreateLead(t, f.store, repo.LeadInput{FirstName: "Gus", Email: "gus@acme.io"})

	res, err := f.d.Send(context.Background(), *lead, Message{Text: "Hello"}, nil)
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.Equal(t, "the lead has no reachable channel", res.Reason)
}
