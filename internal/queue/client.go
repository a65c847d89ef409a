// Package queue moves inbound lead messages from the webhooks to the lifecycle machine.
package queue

import (
	"context"
	"fmt"
	"time"

	"leadflow/internal/email"
	"leadflow/internal/lifecycle"
	"leadflow/internal/repo"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	maxRetry    = 3
	taskTimeout = 2 * time.Minute
)

// Submitter accepts inbound messages for processing.
type Submitter interface {
	Submit(ctx context.Context, in lifecycle.Inbound) error
}

// Client enqueues inbound messages on asynq.
type Client struct {
	client *asynq.Client
	queue  string
}

var _ Submitter = (*Client)(nil)

func NewClient(redisURL, queue string) (*Client, error) {
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
	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Submit enqueues in for the worker.
func (c *Client) Submit(ctx context.Context, in lifecycle.Inbound) error {
	task, err := NewInboundTask(in)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(maxRetry), asynq.Timeout(taskTimeout)); err != nil {
		return fmt.Errorf("enqueue inbound message: %w", err)
	}
	return nil
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parse redis url: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// EmailProcessor feeds the email webhook into a Submitter.
type EmailProcessor struct {
	Submitter Submitter
}

var _ email.InboundProcessor = EmailProcessor{}

func (p EmailProcessor) HandleInboundEmail(ctx context.Context, msg email.InboundMessage) error {
	return p.Submitter.Submit(ctx, lifecycle.Inbound{Contact: msg.From, Text: msg.Text, Channel: repo.ChannelEmail})
}
