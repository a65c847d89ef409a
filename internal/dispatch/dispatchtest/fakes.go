// Package dispatchtest provides recording channel senders for tests.
package dispatchtest

import (
	"context"
	"sync"
)

// Sent is one delivered message.
type Sent struct {
	To      string
	Subject string
	Text    string
}

// Sender records messages and optionally fails them.
type Sender struct {
	mu   sync.Mutex
	sent []Sent
	// Err is returned by every send when set.
	Err error
}

// SendEmail records an email.
func (s *Sender) SendEmail(_ context.Context, to, subject, body string) error {
	return s.record(Sent{To: to, Subject: subject, Text: body})
}

// SendText records a WhatsApp message.
func (s *Sender) SendText(_ context.Context, phone, text string) error {
	return s.record(Sent{To: phone, Text: text})
}

func (s *Sender) record(m Sent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, m)
	return nil
}

// Sent returns the delivered messages.
func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Last returns the most recent message, or the zero value.
func (s *Sender) Last() Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return Sent{}
	}
	return s.sent[len(s.sent)-1]
}
