// Package dispatch sends lead messages over the eligible channel and records them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/ratelimit"
	"leadflow/internal/repo"
)

// ErrNoChannel is returned when a lead has no eligible channel.
var ErrNoChannel = errors.New("no eligible channel")

// EmailSender delivers email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// WhatsAppSender delivers WhatsApp text messages to a phone number.
type WhatsAppSender interface {
	SendText(ctx context.Context, phone, text string) error
}

// Limiter gates WhatsApp sends. A send holds its reservation once it went out.
type Limiter interface {
	Reserve(ctx context.Context, channel repo.Channel) (ratelimit.Decision, error)
	Release(ctx context.Context, channel repo.Channel, d ratelimit.Decision) error
}

// ApplyFunc runs inside the transaction that records the outbound turn.
type ApplyFunc func(ctx context.Context, q repo.Queries) error

// Message is an outbound lead message. An empty Channel lets the dispatcher choose.
type Message struct {
	Channel repo.Channel
	Subject string
	Text    string
}

// Reason texts are shown to operators and never carry error details.
const (
	reasonNoChannel   = "the lead has no reachable channel"
	reasonLimiterDown = "the send limit could not be checked"
)

// Result describes what happened to a message.
type Result struct {
	Channel repo.Channel
	Sent    bool
	Reason  string
}

// Config toggles channels.
type Config struct {
	EmailEnabled    bool
	WhatsAppEnabled bool
	DefaultSubject  string
}

// Dispatcher routes messages to channel senders.
type Dispatcher struct {
	store    repo.Store
	email    EmailSender
	whatsapp WhatsAppSender
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a dispatcher. Nil senders disable their channel.
func New(store repo.Store, email EmailSender, whatsapp WhatsAppSender, limiter Limiter, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.DefaultSubject == "" {
		cfg.DefaultSubject = "Quick question"
	}
	return &Dispatcher{
		store:    store,
		email:    email,
		whatsapp: whatsapp,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for turn timestamps.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Eligible reports whether lead can be reached on channel.
func (d *Dispatcher) Eligible(lead repo.Lead, channel repo.Channel) bool {
	switch channel {
	case repo.ChannelEmail:
		return d.cfg.EmailEnabled && d.email != nil && lead.EmailVerified && lead.Email != ""
	case repo.ChannelWhatsApp:
		return d.cfg.WhatsAppEnabled && d.whatsapp != nil && lead.PhoneNumber != ""
	default:
		return false
	}
}

// Channels lists the eligible channels for lead, email first.
func (d *Dispatcher) Channels(lead repo.Lead) []repo.Channel {
	var out []repo.Channel
	for _, ch := range []repo.Channel{repo.ChannelEmail, repo.ChannelWhatsApp} {
		if d.Eligible(lead, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// PreferredChannel returns the channel the lead last wrote on, else the last one used to reach them,
// else the first-contact preference.
func (d *Dispatcher) PreferredChannel(ctx context.Context, lead repo.Lead) (repo.Channel, error) {
	for _, dir := range []repo.Direction{repo.DirectionInbound, repo.DirectionOutbound} {
		turn, err := d.store.LastTurn(ctx, lead.ID, dir)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("last %s turn: %w", dir, err)
		}
		if turn.Channel == repo.ChannelEmail || turn.Channel == repo.ChannelWhatsApp {
			return turn.Channel, nil
		}
	}
	if d.Eligible(lead, repo.ChannelEmail) {
		return repo.ChannelEmail, nil
	}
	return repo.ChannelWhatsApp, nil
}

// Send delivers msg on msg.Channel, or on the first eligible channel when unset.
func (d *Dispatcher) Send(ctx context.Context, lead repo.Lead, msg Message, apply ApplyFunc) (Result, error) {
	channel := msg.Channel
	if channel == "" {
		channels := d.Channels(lead)
		if len(channels) == 0 {
			return Result{Reason: reasonNoChannel}, ErrNoChannel
		}
		channel = channels[0]
	}
	return d.sendOn(ctx, lead, channel, msg, apply)
}

// SendAny tries each eligible channel in order until one delivers.
func (d *Dispatcher) SendAny(ctx context.Context, lead repo.Lead, msg Message, apply ApplyFunc) (Result, error) {
	channels := d.Channels(lead)
	if len(channels) == 0 {
		return Result{Reason: reasonNoChannel}, ErrNoChannel
	}

	var (
		reasons []string
		errs    []error
	)
	for _, ch := range channels {
		res, err := d.sendOn(ctx, lead, ch, msg, apply)
		if res.Sent {
			return res, err
		}
		if res.Reason != "" {
			reasons = append(reasons, fmt.Sprintf("%s: %s", ch, res.Reason))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return Result{Reason: strings.Join(reasons, "; ")}, errors.Join(errs...)
}

func (d *Dispatcher) sendOn(ctx context.Context, lead repo.Lead, channel repo.Channel, msg Message, apply ApplyFunc) (Result, error) {
	res := Result{Channel: channel}
	if !d.Eligible(lead, channel) {
		res.Reason = fmt.Sprintf("lead not reachable on %s", channel)
		return res, fmt.Errorf("send on %s: %w", channel, ErrNoChannel)
	}

	var reservation ratelimit.Decision
	if channel == repo.ChannelWhatsApp && d.limiter != nil {
		decision, err := d.limiter.Reserve(ctx, channel)
		if err != nil {
			res.Reason = reasonLimiterDown
			return res, fmt.Errorf("check rate limit: %w", err)
		}
		reservation = decision
		if !decision.Allowed {
			d.metrics.OutboundMessages.WithLabelValues(string(channel), "limited").Inc()
			d.logger.Warn("send blocked by rate limit", "lead_id", lead.ID, "reason", decision.Reason)
			res.Reason = decision.Reason
			return res, nil
		}
	}

	var err error
	switch channel {
	case repo.ChannelEmail:
		subject := msg.Subject
		if subject == "" {
			subject = d.cfg.DefaultSubject
		}
		err = d.email.SendEmail(ctx, lead.Email, subject, msg.Text)
	case repo.ChannelWhatsApp:
		err = d.whatsapp.SendText(ctx, lead.PhoneNumber, msg.Text)
	}
	if err != nil {
		d.metrics.OutboundMessages.WithLabelValues(string(channel), "failed").Inc()
		d.logger.Error("send failed", "lead_id", lead.ID, "channel", channel, "error", err)
		if reservation.Allowed {
			if relErr := d.limiter.Release(ctx, channel, reservation); relErr != nil {
				d.logger.Warn("failed to release whatsapp reservation", "error", relErr)
			}
		}
		res.Reason = unavailableReason(channel)
		return res, fmt.Errorf("send on %s: %w", channel, err)
	}
	res.Sent = true
	d.metrics.OutboundMessages.WithLabelValues(string(channel), "sent").Inc()

	now := d.now()
	err = d.store.InTx(ctx, func(ctx context.Context, q repo.Queries) error {
		if _, err := q.AppendTurn(ctx, repo.Turn{
			LeadID:    lead.ID,
			Channel:   channel,
			Direction: repo.DirectionOutbound,
			Text:      msg.Text,
			At:        now,
		}); err != nil {
			return err
		}
		if err := q.TouchLeadContact(ctx, lead.ID, now); err != nil {
			return err
		}
		if apply != nil {
			return apply(ctx, q)
		}
		return nil
	})
	if err != nil {
		d.metrics.Errors.WithLabelValues("dispatch_record").Inc()
		d.logger.Error("message sent but not recorded", "lead_id", lead.ID, "channel", channel, "error", err)
		return res, fmt.Errorf("record outbound turn: %w", err)
	}

	d.logger.Info("message sent", "lead_id", lead.ID, "channel", channel)
	return res, nil
}

func unavailableReason(channel repo.Channel) string {
	if channel == repo.ChannelWhatsApp {
		return "WhatsApp is unavailable right now"
	}
	return "the email service is unavailable right now"
}
