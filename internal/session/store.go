// Package session implements the Device Session Manager: the store of
// logical device sessions, their lifecycle timers, alias index, and the
// broker.Observer implementation that keeps session state in sync with
// WebSocket broker events.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/timer"
)

// ErrNotFound is returned when an operation targets an unknown or
// expired device-id.
var ErrNotFound = errors.New("session: not found")

// ErrAliasTaken is returned when an alias is already owned by another
// non-expired session, under case-insensitive comparison.
var ErrAliasTaken = errors.New("session: alias already taken")

// Session is one device session record. Copies returned by the store's
// read operations are safe to read without holding the store's lock;
// mutation only ever happens inside the store.
type Session struct {
	DeviceID       string
	Alias          string
	ClientID       string // "" until a controller is attached; kept across disconnect
	TargetID       string // "" before binding
	Connected      bool
	BoundToApp     bool
	StrengthA      int
	StrengthB      int
	LimitA         int
	LimitB         int
	CreatedAt      time.Time
	LastActive     time.Time
	DisconnectedAt *time.Time

	connTimeout   *timer.Handle
	reconnTimeout *timer.Handle
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.connTimeout = nil
	cp.reconnTimeout = nil
	return cp
}

// BrokerCloser is the narrow surface the store needs to tear down a
// session's live client/transport without owning the registry itself.
type BrokerCloser interface {
	DisconnectController(clientID string) bool
}

// Metrics is the narrow surface the store reports its size through. A
// nil Metrics is valid and turns reporting into a no-op.
type Metrics interface {
	SetActiveSessions(n int)
}

// Config controls store construction; all durations come from
// spec-mandated ranges, validated by the config package before reaching
// here.
type Config struct {
	ConnectionTimeout   time.Duration // 1..60 min, default 5 min
	ReconnectionTimeout time.Duration // 1..60 min, default 5 min
	StaleTimeout        time.Duration // default 1h
	SweepInterval       time.Duration // default 5 min
}

// Store is the Session store aggregate. It is its own mutex domain,
// separate from the registry and pairing relation, per spec section 5:
// its operations may call out to BrokerCloser but never hold the store
// mutex while doing so.
type Store struct {
	mu          sync.Mutex
	byID        map[string]*Session
	byClientID  map[string]string // clientID -> deviceID
	byAliasFold map[string]string // lowercased alias -> deviceID

	cfg     Config
	broker  BrokerCloser
	metrics Metrics
	logger  zerolog.Logger

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a Store. SetBroker must be called before any operation
// that tears down a live client (delete, handle-disconnection on an
// unbound session, stale sweep).
func New(cfg Config, logger zerolog.Logger) *Store {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Minute
	}
	if cfg.ReconnectionTimeout <= 0 {
		cfg.ReconnectionTimeout = 5 * time.Minute
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Store{
		byID:        make(map[string]*Session),
		byClientID:  make(map[string]string),
		byAliasFold: make(map[string]string),
		cfg:         cfg,
		logger:      logger.With().Str("component", "session_store").Logger(),
		sweepStop:   make(chan struct{}),
	}
}

// SetBroker wires the broker surface used to close live clients.
func (st *Store) SetBroker(b BrokerCloser) { st.broker = b }

// SetMetrics wires the gauge the store reports its size through.
func (st *Store) SetMetrics(m Metrics) { st.metrics = m }

// reportSessionCount pushes the current store size to the metrics
// gauge; called after every insertion/removal so the gauge never drifts.
func (st *Store) reportSessionCount() {
	if st.metrics == nil {
		return
	}
	st.mu.Lock()
	n := len(st.byID)
	st.mu.Unlock()
	st.metrics.SetActiveSessions(n)
}

// StartSweep launches the periodic stale-session sweep (spec section
// 4.3: entries whose last-active exceeds the 1h session TTL are
// removed every 5 minutes, independent of the per-session timers).
func (st *Store) StartSweep() {
	go func() {
		ticker := time.NewTicker(st.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweepStale()
			case <-st.sweepStop:
				return
			}
		}
	}()
}

// StopSweep halts the periodic sweep; idempotent.
func (st *Store) StopSweep() {
	st.sweepOnce.Do(func() { close(st.sweepStop) })
}

func (st *Store) sweepStale() {
	cutoff := time.Now().Add(-st.cfg.StaleTimeout)
	var stale []string
	st.mu.Lock()
	for id, s := range st.byID {
		if s.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	st.mu.Unlock()
	for _, id := range stale {
		st.Delete(id)
		st.logger.Debug().Str("device_id", id).Msg("swept stale session")
	}
}

// CreateSession mints a fresh device-id, initializes default fields, and
// schedules the connection-idle timeout.
func (st *Store) CreateSession() *Session {
	now := time.Now()
	s := &Session{
		DeviceID:   uuid.NewString(),
		LimitA:     200,
		LimitB:     200,
		CreatedAt:  now,
		LastActive: now,
	}

	st.mu.Lock()
	st.byID[s.DeviceID] = s
	st.mu.Unlock()
	st.reportSessionCount()

	st.armConnectionTimeout(s.DeviceID)

	out := s.snapshot()
	return &out
}

func (st *Store) armConnectionTimeout(deviceID string) {
	h := timer.After(st.cfg.ConnectionTimeout, func() {
		st.mu.Lock()
		s, ok := st.byID[deviceID]
		if !ok || s.BoundToApp {
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()
		st.Delete(deviceID)
	})
	st.mu.Lock()
	if s, ok := st.byID[deviceID]; ok {
		s.connTimeout = h
	}
	st.mu.Unlock()
}

func (st *Store) isStale(s *Session) bool {
	return time.Since(s.LastActive) > st.cfg.StaleTimeout
}

// Get returns the session for deviceID, deleting and returning
// ErrNotFound if it has gone stale.
func (st *Store) Get(deviceID string) (*Session, error) {
	st.mu.Lock()
	s, ok := st.byID[deviceID]
	if !ok {
		st.mu.Unlock()
		return nil, ErrNotFound
	}
	if st.isStale(s) {
		st.mu.Unlock()
		st.Delete(deviceID)
		return nil, ErrNotFound
	}
	out := s.snapshot()
	st.mu.Unlock()
	return &out, nil
}

// GetByClientID resolves a session from a broker client-id.
func (st *Store) GetByClientID(clientID string) (*Session, error) {
	st.mu.Lock()
	deviceID, ok := st.byClientID[clientID]
	st.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return st.Get(deviceID)
}

// FindByAlias resolves a session by alias, case-insensitively.
func (st *Store) FindByAlias(alias string) (*Session, error) {
	key := strings.ToLower(alias)
	st.mu.Lock()
	deviceID, ok := st.byAliasFold[key]
	st.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return st.Get(deviceID)
}

// SetAlias assigns alias to deviceID, failing if the session doesn't
// exist or the alias is already owned (case-insensitively) by another
// non-expired session.
func (st *Store) SetAlias(deviceID, alias string) error {
	key := strings.ToLower(alias)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	if owner, taken := st.byAliasFold[key]; taken && owner != deviceID {
		if ownerSession, exists := st.byID[owner]; exists && !st.isStale(ownerSession) {
			return ErrAliasTaken
		}
	}

	if s.Alias != "" {
		delete(st.byAliasFold, strings.ToLower(s.Alias))
	}
	s.Alias = alias
	st.byAliasFold[key] = deviceID
	s.LastActive = time.Now()
	return nil
}

// ConnectionUpdate is the partial merged by UpdateConnectionState.
type ConnectionUpdate struct {
	Connected   *bool
	BoundToApp  *bool
	ClientID    *string
	TargetID    *string
}

// UpdateConnectionState merges the given partial into the session and
// refreshes last-active.
func (st *Store) UpdateConnectionState(deviceID string, upd ConnectionUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	if upd.ClientID != nil {
		if s.ClientID != "" {
			delete(st.byClientID, s.ClientID)
		}
		s.ClientID = *upd.ClientID
		if s.ClientID != "" {
			st.byClientID[s.ClientID] = deviceID
		}
	}
	if upd.TargetID != nil {
		s.TargetID = *upd.TargetID
	}
	if upd.Connected != nil {
		s.Connected = *upd.Connected
	}
	if upd.BoundToApp != nil {
		s.BoundToApp = *upd.BoundToApp
	}
	s.LastActive = time.Now()
	return nil
}

// UpdateStrength stores the app's reported strength/limit telemetry,
// clamped to 0..200, and refreshes last-active.
func (st *Store) UpdateStrength(deviceID string, a, b, limitA, limitB int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	s.StrengthA = clamp(a)
	s.StrengthB = clamp(b)
	s.LimitA = clamp(limitA)
	s.LimitB = clamp(limitB)
	s.LastActive = time.Now()
	return nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 200 {
		return 200
	}
	return v
}

// onAppBound cancels the connection-idle timeout and marks the session
// bound. Invoked from BindChange only for a session that was not yet
// bound, per spec section 4.3.
func (st *Store) onAppBound(deviceID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return
	}
	s.connTimeout.Cancel()
	s.connTimeout = nil
	s.BoundToApp = true
	s.LastActive = time.Now()
}

// HandleDisconnection processes a controller- or app-side close against
// a session. If the session was never bound it is deleted immediately
// (false). Otherwise the session is marked disconnected and a
// reconnection window opens (true).
func (st *Store) HandleDisconnection(deviceID string) (preserved bool, err error) {
	st.mu.Lock()
	s, ok := st.byID[deviceID]
	if !ok {
		st.mu.Unlock()
		return false, ErrNotFound
	}
	s.connTimeout.Cancel()
	s.connTimeout = nil

	if !s.BoundToApp {
		st.mu.Unlock()
		st.Delete(deviceID)
		return false, nil
	}

	now := time.Now()
	s.Connected = false
	s.DisconnectedAt = &now
	st.mu.Unlock()

	st.armReconnectionTimeout(deviceID)
	return true, nil
}

func (st *Store) armReconnectionTimeout(deviceID string) {
	h := timer.After(st.cfg.ReconnectionTimeout, func() {
		st.mu.Lock()
		s, ok := st.byID[deviceID]
		if !ok || s.Connected {
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()
		st.Delete(deviceID)
	})
	st.mu.Lock()
	if s, ok := st.byID[deviceID]; ok {
		s.reconnTimeout = h
	}
	st.mu.Unlock()
}

// HandleReconnection re-attaches a new transport/client-id to a
// previously-disconnected, still-bound session, preserving device-id,
// alias, strengths and limits. See SPEC_FULL.md section 5, item 3 for
// why this is a distinct operation from the automatic bind-change path.
func (st *Store) HandleReconnection(deviceID, newClientID string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return false, ErrNotFound
	}
	s.reconnTimeout.Cancel()
	s.reconnTimeout = nil

	if s.ClientID != "" {
		delete(st.byClientID, s.ClientID)
	}
	s.ClientID = newClientID
	st.byClientID[newClientID] = deviceID
	s.Connected = true
	s.DisconnectedAt = nil
	s.LastActive = time.Now()
	return true, nil
}

// ClearReconnectionState cancels any pending reconnection timer and
// marks the session connected, without changing client-id.
func (st *Store) ClearReconnectionState(deviceID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	s.reconnTimeout.Cancel()
	s.reconnTimeout = nil
	s.Connected = true
	s.DisconnectedAt = nil
	return nil
}

// GetReconnectionRemaining returns time remaining in the reconnection
// window, or nil if no window is open. Because timer.Handle doesn't
// expose a deadline, the store tracks disconnected-at and derives the
// remainder from the configured timeout.
func (st *Store) GetReconnectionRemaining(deviceID string) (*time.Duration, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.DisconnectedAt == nil {
		return nil, nil
	}
	remaining := st.cfg.ReconnectionTimeout - time.Since(*s.DisconnectedAt)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining, nil
}

// Delete cancels both timers, best-effort closes the associated client
// via the broker, and removes the session from the store and alias
// index. Idempotent: deleting an unknown device-id returns false.
func (st *Store) Delete(deviceID string) bool {
	st.mu.Lock()
	s, ok := st.byID[deviceID]
	if !ok {
		st.mu.Unlock()
		return false
	}
	s.connTimeout.Cancel()
	s.reconnTimeout.Cancel()
	clientID := s.ClientID
	if s.Alias != "" {
		delete(st.byAliasFold, strings.ToLower(s.Alias))
	}
	if clientID != "" {
		delete(st.byClientID, clientID)
	}
	delete(st.byID, deviceID)
	st.mu.Unlock()
	st.reportSessionCount()

	if clientID != "" && st.broker != nil {
		st.broker.DisconnectController(clientID)
	}
	return true
}

// List returns a snapshot of all sessions after sweeping expired
// entries.
func (st *Store) List() []Session {
	st.sweepStale()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Session, 0, len(st.byID))
	for _, s := range st.byID {
		out = append(out, s.snapshot())
	}
	return out
}
