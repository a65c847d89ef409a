// Package approval delivers negotiation decisions to a human approver.
package approval

import (
	"context"
	"log/slog"
	"sync"
)

// Action is one button offered to the approver.
type Action struct {
	Label string
	Token string
}

// Surface sends approval requests and notices.
type Surface interface {
	RequestApproval(ctx context.Context, text string, actions []Action) error
	Notify(ctx context.Context, text string) error
}

// Handler consumes approver input.
type Handler interface {
	HandleAction(ctx context.Context, token string) string
	HandleManagerText(ctx context.Context, text string) (string, bool)
}

// Message is a request or notice delivered to the approver.
type Message struct {
	Text    string
	Actions []Action
}

// LogOnly logs approval traffic and keeps it for inspection. Decisions then arrive over HTTP.
type LogOnly struct {
	logger *slog.Logger

	mu       sync.Mutex
	messages []Message
}

var _ Surface = (*LogOnly)(nil)

// NewLogOnly creates a logging surface.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{logger: logger.With("component", "approval")}
}

// RequestApproval logs the request with its action tokens.
func (l *LogOnly) RequestApproval(_ context.Context, text string, actions []Action) error {
	tokens := make([]string, 0, len(actions))
	for _, a := range actions {
		tokens = append(tokens, a.Token)
	}
	l.logger.Info("approval requested", "text", text, "actions", tokens)
	l.record(Message{Text: text, Actions: actions})
	return nil
}

// Notify logs the notice.
func (l *LogOnly) Notify(_ context.Context, text string) error {
	l.logger.Info("approver notice", "text", text)
	l.record(Message{Text: text})
	return nil
}

func (l *LogOnly) record(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
	if len(l.messages) > 100 {
		l.messages = l.messages[len(l.messages)-100:]
	}
}

// Messages returns the retained messages, oldest first.
func (l *LogOnly) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}
