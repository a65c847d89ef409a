package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadflow/internal/lifecycle"
	"leadflow/internal/metrics"

	"github.com/hibiken/asynq"
)

// Handler processes one inbound message.
type Handler interface {
	OnInbound(ctx context.Context, in lifecycle.Inbound) error
}

// Worker consumes inbound messages from asynq.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWorker creates an asynq server consuming queue.
func NewWorker(redisURL, queue string, concurrency int, handler Handler, logger *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		queue = "default"
	}
	if concurrency < 1 {
		concurrency = 4
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:  server,
		mux:     mux,
		handler: handler,
		logger:  logger.With("component", "queue_worker"),
		metrics: m,
	}
	mux.HandleFunc(TaskInboundMessage, w.handleInbound)
	return w, nil
}

func (w *Worker) handleInbound(ctx context.Context, task *asynq.Task) error {
	in, err := ParseInboundPayload(task)
	if err != nil {
		return fmt.Errorf("parse inbound payload: %v: %w", err, asynq.SkipRetry)
	}
	return process(ctx, w.handler, in, w.logger, w.metrics)
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start queue worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

func process(ctx context.Context, h Handler, in lifecycle.Inbound, logger *slog.Logger, m *metrics.Metrics) error {
	err := h.OnInbound(ctx, in)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrUnknownContact):
		return nil
	default:
		m.Errors.WithLabelValues("inbound").Inc()
		logger.Error("inbound message failed", "channel", in.Channel, "error", err)
		return err
	}
}

// Direct processes inbound messages on their own goroutine when no queue is configured.
type Direct struct {
	base    context.Context
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

var _ Submitter = (*Direct)(nil)

// NewDirect creates an in-process submitter. Work is bound to base rather than the caller's context.
func NewDirect(base context.Context, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Direct {
	return &Direct{
		base:    base,
		handler: handler,
		logger:  logger.With("component", "inbound"),
		metrics: m,
	}
}

// Submit starts processing in on its own goroutine.
func (d *Direct) Submit(_ context.Context, in lifecycle.Inbound) error {
	if err := d.base.Err(); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.base), taskTimeout)
		defer cancel()
		_ = process(ctx, d.handler, in, d.logger, d.metrics)
	}()
	return nil
}

// Wait blocks until submitted messages are processed or timeout passes.
func (d *Direct) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
