package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Queries are the data operations available on a Store and inside its transactions.
type Queries interface {
	// Leads
	CreateLead(ctx context.Context, in LeadInput) (*Lead, error)
	GetLead(ctx context.Context, id string) (*Lead, error)
	FindLeadByContact(ctx context.Context, email, phone string) (*Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error)
	UpdateLeadStatus(ctx context.Context, id string, status LeadStatus, nextFollowUp *time.Time) error
	TouchLeadContact(ctx context.Context, id string, at time.Time) error
	UpdateLeadSummary(ctx context.Context, id, summary string) error
	LeadStats(ctx context.Context, since time.Time) (LeadStats, error)

	// Conversation turns
	AppendTurn(ctx context.Context, turn Turn) (*Turn, error)
	ListTurns(ctx context.Context, leadID string, limit int) ([]Turn, error)
	LastTurn(ctx context.Context, leadID string, direction Direction) (*Turn, error)

	// Meetings
	ActiveMeeting(ctx context.Context, leadID string) (*Meeting, error)
	SaveMeeting(ctx context.Context, m Meeting) (*Meeting, error)
	CountActiveMeetings(ctx context.Context, leadID string) (int, error)

	// Rate counters
	GetRateCounter(ctx context.Context, channel Channel) (*RateCounter, error)
	SaveRateCounter(ctx context.Context, c RateCounter) error
}

// Store defines the persistence layer used by the engine.
type Store interface {
	Queries

	// InTx runs fn inside a transaction, retrying the whole function on lock contention.
	// Calls made on a Queries value that is already transactional join the running transaction.
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error

	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}
