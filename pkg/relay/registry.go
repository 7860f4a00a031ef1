package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relais-dev/relais/pkg/transport"
)

// Entry describes one in-flight chat. A chat appears in the registry from
// the moment it is accepted until its terminal event has been produced.
type Entry struct {
	// ID is the chat identifier.
	ID string

	// OwnerID identifies the caller that started the chat. Empty when the
	// chat was started without authentication.
	OwnerID string

	// Cancel aborts the upstream request for this chat.
	Cancel context.CancelFunc

	// Downstream is the client-facing writer, nil for non-streaming chats.
	Downstream transport.StreamWriter

	// Model is the requested model, carried for terminal events and logs.
	Model string

	// StartedAt is when the chat was registered.
	StartedAt time.Time

	// seq numbers the events on this chat's stream, starting at 0 for
	// chat.started. Atomic because stop requests arrive on other
	// goroutines than the relay loop.
	seq atomic.Int64

	// finished guards terminal cleanup so that the relay loop, an owner
	// stop, and the janitor cannot double-finish the same chat.
	finished sync.Once
}

// nextSeq returns the next sequence number for this chat's stream.
func (e *Entry) nextSeq() int {
	return int(e.seq.Add(1) - 1)
}

// finish runs fn exactly once over the lifetime of the entry and reports
// whether this call was the one that ran it.
func (e *Entry) finish(fn func()) bool {
	ran := false
	e.finished.Do(func() {
		fn()
		ran = true
	})
	return ran
}

// Registry tracks in-flight chats by ID. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds an in-flight chat. Registering an ID that is already
// present is a programming error and is rejected.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("chat %s already registered", e.ID)
	}
	r.entries[e.ID] = e
	return nil
}

// Get returns the entry for the given ID.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes an entry without cancelling it. Returns false if the ID
// was not present; removing an absent entry is not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// ListByOwner returns all in-flight entries belonging to the given owner.
func (r *Registry) ListByOwner(ownerID string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out
}

// ListStaleSince returns all entries registered at or before the cutoff.
func (r *Registry) ListStaleSince(cutoff time.Time) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if !e.StartedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of in-flight chats.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
