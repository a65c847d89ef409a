package negotiation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"leadflow/internal/nlu"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown or expired negotiations.
	ErrNotFound = errors.New("negotiation not found")
	// ErrBusy is returned when another action holds the negotiation.
	ErrBusy = errors.New("negotiation is being processed")
)

// Negotiation is an in-flight meeting negotiation awaiting a decision.
type Negotiation struct {
	ID                      string
	LeadID                  string
	Availability            []nlu.Slot
	Matches                 []nlu.Slot
	Alternatives            []nlu.Slot
	ManagerTimes            []nlu.Slot
	AwaitingManagerInput    bool
	AwaitingLeadSelection   bool
	Processing              bool
	CreatedAt               time.Time
	ManagerInputRequestedAt time.Time
}

func (n *Negotiation) clone() Negotiation {
	c := *n
	c.Availability = append([]nlu.Slot(nil), n.Availability...)
	c.Matches = append([]nlu.Slot(nil), n.Matches...)
	c.Alternatives = append([]nlu.Slot(nil), n.Alternatives...)
	c.ManagerTimes = append([]nlu.Slot(nil), n.ManagerTimes...)
	return c
}

// Registry holds negotiations in memory. Entries older than the TTL are dropped on access.
type Registry struct {
	mu    sync.Mutex
	items map[string]*Negotiation
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry whose entries expire after ttl.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		items: make(map[string]*Negotiation),
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// lookup returns the live entry for id, removing it when expired. Callers hold mu.
func (r *Registry) lookup(id string) (*Negotiation, bool) {
	n, ok := r.items[id]
	if !ok {
		return nil, false
	}
	if r.expired(n) {
		delete(r.items, id)
		return nil, false
	}
	return n, true
}

func (r *Registry) expired(n *Negotiation) bool {
	return r.ttl > 0 && r.now().Sub(n.CreatedAt) > r.ttl
}

// Create stores a new negotiation and returns a copy of it.
func (r *Registry) Create(leadID string, availability, matches []nlu.Slot) Negotiation {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := &Negotiation{
		ID:           newID(),
		LeadID:       leadID,
		Availability: append([]nlu.Slot(nil), availability...),
		Matches:      append([]nlu.Slot(nil), matches...),
		CreatedAt:    r.now(),
	}
	for _, exists := r.items[n.ID]; exists; _, exists = r.items[n.ID] {
		n.ID = newID()
	}
	r.items[n.ID] = n
	return n.clone()
}

// Get returns a snapshot of the negotiation.
func (r *Registry) Get(id string) (Negotiation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookup(id)
	if !ok {
		return Negotiation{}, false
	}
	return n.clone(), true
}

// Acquire marks the negotiation as processing. Only one caller holds it at a time.
func (r *Registry) Acquire(id string) (Negotiation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookup(id)
	if !ok {
		return Negotiation{}, ErrNotFound
	}
	if n.Processing {
		return Negotiation{}, ErrBusy
	}
	n.Processing = true
	return n.clone(), nil
}

// Release clears the processing flag. Releasing a removed negotiation is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.items[id]; ok {
		n.Processing = false
	}
}

// Update applies fn to the stored negotiation. ID, LeadID and Processing cannot be changed.
func (r *Registry) Update(id string, fn func(n *Negotiation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	c := n.clone()
	fn(&c)
	c.ID, c.LeadID, c.Processing, c.CreatedAt = n.ID, n.LeadID, n.Processing, n.CreatedAt
	*n = c
	return nil
}

// Remove deletes the negotiation.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// AwaitingSelection returns the newest negotiation of leadID waiting for the lead to pick a time.
func (r *Registry) AwaitingSelection(leadID string) (Negotiation, bool) {
	return r.newest(func(n *Negotiation) bool {
		return n.LeadID == leadID && n.AwaitingLeadSelection
	}, func(n *Negotiation) time.Time { return n.CreatedAt })
}

// AwaitingManagerInput returns the negotiation that most recently asked the approver for times,
// provided the request is younger than window.
func (r *Registry) AwaitingManagerInput(window time.Duration) (Negotiation, bool) {
	r.mu.Lock()
	now := r.now()
	r.mu.Unlock()
	return r.newest(func(n *Negotiation) bool {
		return n.AwaitingManagerInput && now.Sub(n.ManagerInputRequestedAt) < window
	}, func(n *Negotiation) time.Time { return n.ManagerInputRequestedAt })
}

func (r *Registry) newest(match func(*Negotiation) bool, key func(*Negotiation) time.Time) (Negotiation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Negotiation
	for id, n := range r.items {
		if r.expired(n) {
			delete(r.items, id)
			continue
		}
		if match(n) && (best == nil || key(n).After(key(best))) {
			best = n
		}
	}
	if best == nil {
		return Negotiation{}, false
	}
	return best.clone(), true
}

// Len counts live negotiations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.items {
		if r.expired(n) {
			delete(r.items, id)
		}
	}
	return len(r.items)
}
