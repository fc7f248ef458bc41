// Package registry implements the broker's client registry: the set of
// connected endpoints keyed by opaque client-id, their role, peer, and
// last-active timestamp. Synthetic controller entries (created by the
// agent) carry a Transport whose writes are silently discarded.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/dglab-relay/internal/wire"
)

// Role classifies a registry entry once the broker has learned which
// side of a pairing it is; new connections start Unknown until a bind
// handshake resolves them.
type Role int

const (
	RoleUnknown Role = iota
	RoleController
	RoleApp
)

// Transport is the narrow interface the broker writes envelopes through.
// Real app connections implement it over a gobwas/ws socket; synthetic
// controller entries use DiscardTransport so outbound writes are simply
// dropped, per spec section 4.2.
type Transport interface {
	WriteEnvelope(e wire.Envelope) error
	Close() error
}

// DiscardTransport is the synthetic-controller transport: every write
// succeeds and is thrown away, Close is a no-op.
type DiscardTransport struct{}

func (DiscardTransport) WriteEnvelope(wire.Envelope) error { return nil }
func (DiscardTransport) Close() error                      { return nil }

// Entry is one client registry record.
type Entry struct {
	ID         string
	Role       Role
	PeerID     string // "" means unpaired
	LastActive time.Time
	Transport  Transport
}

// Registry is the broker's set of connected endpoints. It is a separate
// aggregate from the pairing relation and the session store, each with
// its own mutex, per spec section 5.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Create mints a fresh client-id and enrolls an entry with the given
// role and transport. Role is typically Unknown for freshly-upgraded WS
// connections and RoleController for synthetic controller entries
// created via the outbound API's create-controller.
func (r *Registry) Create(role Role, transport Transport) *Entry {
	e := &Entry{
		ID:         uuid.NewString(),
		Role:       role,
		Transport:  transport,
		LastActive: time.Now(),
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	return e
}

// Get returns a copy of the entry for id, if present.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Exists reports whether id is a known entry.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Delete removes id from the registry. Closing the transport is the
// caller's responsibility (the broker does it before or after calling
// Delete depending on which side initiated the close).
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Touch refreshes last-active for id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.LastActive = time.Now()
	}
	r.mu.Unlock()
}

// SetRole updates the role of an existing entry.
func (r *Registry) SetRole(id string, role Role) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.Role = role
	}
	r.mu.Unlock()
}

// SetPeer updates the peer-id of an existing entry. An empty string
// clears the peer.
func (r *Registry) SetPeer(id, peerID string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.PeerID = peerID
	}
	r.mu.Unlock()
}

// TransportFor returns the transport for id, if the entry exists.
func (r *Registry) TransportFor(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Transport, true
}

// Snapshot returns a point-in-time copy of all entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}
