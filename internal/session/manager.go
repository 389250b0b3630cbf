package session

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddlab/webpty/internal/config"
	"github.com/oddlab/webpty/internal/ptybridge"
)

// Admission and reconnect failures. Missing session and wrong token share
// ErrInvalidToken so that probing cannot distinguish them.
var (
	ErrGlobalCap        = errors.New("global session cap reached")
	ErrPerIPCap         = errors.New("per-ip session cap reached")
	ErrInvalidToken     = errors.New("invalid session or reconnect token")
	ErrSessionExpired   = errors.New("session expired")
	ErrIPMismatch       = errors.New("client ip does not match session")
	ErrAlreadyConnected = errors.New("session already has a live connection")
)

// Manager owns the session table. One lock guards create, reconnect,
// disconnect, and cleanup; per-connection I/O never takes it.
type Manager struct {
	cfg *config.Settings

	// OnReaped, when set, is called for each removed session after the
	// table lock is released. Set once before serving.
	OnReaped func(*Session)

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	ipCounts map[netip.Addr]int

	// now is replaceable in tests to drive timeout transitions.
	now func() time.Time
}

// NewManager returns an empty session table using cfg's caps and timeouts.
func NewManager(cfg *config.Settings) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*Session),
		ipCounts: make(map[netip.Addr]int),
		now:      time.Now,
	}
}

// CreateSession admits a new session for ip, checking the global cap before
// the per-ip cap, and inserts it in Connected state with a fresh single-use
// reconnect token.
func (m *Manager) CreateSession(ip netip.Addr) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.GlobalCap {
		return nil, ErrGlobalCap
	}
	if m.ipCounts[ip] >= m.cfg.PerIPCap {
		return nil, ErrPerIPCap
	}

	token, err := newReconnectToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:             uuid.New(),
		ClientIP:       ip,
		ReconnectToken: token,
		TokenIssuedAt:  now,
		CreatedAt:      now,
		LastSeen:       now,
		State:          State{Kind: StateConnected},
		maxQueueBytes:  m.cfg.MaxOutputQueueBytes,
		noticeTimes:    make(map[string]time.Time),
	}
	m.sessions[s.ID] = s
	m.ipCounts[ip]++
	log.Printf("[session] created %s for %s (%d active)", s.ID, ip, len(m.sessions))
	return s, nil
}

// ReconnectSession validates a reconnect attempt and, on success, rotates
// the token, resets its TTL clock, and moves the session back to Connected.
// A used token is never accepted again.
func (m *Manager) ReconnectSession(id string, token string, ip netip.Addr) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrInvalidToken
	}
	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrInvalidToken
	}

	switch s.State.Kind {
	case StateConnected:
		return nil, ErrAlreadyConnected
	case StateIdle, StateReaping:
		return nil, ErrSessionExpired
	case StateDisconnected:
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(s.ReconnectToken)) != 1 {
		return nil, ErrInvalidToken
	}
	now := m.now()
	// A stale token is reported the same as a wrong one.
	if now.Sub(s.TokenIssuedAt) > m.cfg.TokenTTL() {
		return nil, ErrInvalidToken
	}
	if s.ClientIP != ip {
		return nil, ErrIPMismatch
	}

	fresh, err := newReconnectToken()
	if err != nil {
		return nil, err
	}
	s.ReconnectToken = fresh
	s.TokenIssuedAt = now
	s.LastSeen = now
	s.State = State{Kind: StateConnected}
	log.Printf("[session] reconnected %s from %s", s.ID, ip)
	return s, nil
}

// DisconnectSession records a lost socket. Only Connected sessions move to
// Disconnected; later stages are left to the cleanup sweep.
func (m *Manager) DisconnectSession(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.State.Kind == StateConnected {
		s.State = State{Kind: StateDisconnected, Since: m.now()}
		log.Printf("[session] %s disconnected, grace window open", s.ID)
	}
}

// Touch records client activity for idle-timeout accounting.
func (m *Manager) Touch(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = m.now()
	}
}

// AttachBridge binds a spawned PTY to the session.
func (m *Manager) AttachBridge(id uuid.UUID, b *ptybridge.Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Bridge = b
	}
}

// RecordResize remembers the client's terminal size for restore on
// reconnect.
func (m *Manager) RecordResize(id uuid.UUID, cols, rows uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastCols, s.LastRows = cols, rows
	}
}

// LastSize returns the session's last recorded terminal size. ok is false
// when the session is unknown or never resized.
func (m *Manager) LastSize(id uuid.UUID) (cols, rows uint16, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[id]
	if !found || s.LastCols == 0 || s.LastRows == 0 {
		return 0, 0, false
	}
	return s.LastCols, s.LastRows, true
}

// Get returns the session with the given id, or nil.
func (m *Manager) Get(id uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// StateOf reports the session's current lifecycle state under the table
// lock. ok is false for unknown sessions.
func (m *Manager) StateOf(id uuid.UUID) (StateKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[id]
	if !found {
		return 0, false
	}
	return s.State.Kind, true
}

// Cleanup advances each session at most one lifecycle transition. A session
// takes several sweeps to disappear fully; sweeps run every few seconds
// against timeouts measured in minutes, so the lag is immaterial. Closing a
// reaped session's PTY happens after the table lock is released.
func (m *Manager) Cleanup() {
	now := m.now()
	var reaped []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch s.State.Kind {
		case StateConnected:
			if now.Sub(s.LastSeen) > m.cfg.IdleTimeout() {
				s.State = State{Kind: StateReaping}
				log.Printf("[session] %s idle while connected, reaping", s.ID)
			}
		case StateDisconnected:
			if now.Sub(s.State.Since) > m.cfg.DisconnectGrace() {
				s.State = State{Kind: StateIdle, Since: now}
				log.Printf("[session] %s grace window elapsed, now idle", s.ID)
			}
		case StateIdle:
			if now.Sub(s.State.Since) > m.cfg.IdleTimeout() {
				s.State = State{Kind: StateReaping}
				log.Printf("[session] %s idle timeout elapsed, reaping", s.ID)
			}
		case StateReaping:
			delete(m.sessions, id)
			m.ipCounts[s.ClientIP]--
			if m.ipCounts[s.ClientIP] <= 0 {
				delete(m.ipCounts, s.ClientIP)
			}
			reaped = append(reaped, s)
		}
	}
	m.mu.Unlock()

	for _, s := range reaped {
		log.Printf("[session] reaped %s", s.ID)
		if s.Bridge != nil {
			s.Bridge.Close()
		}
		if m.OnReaped != nil {
			m.OnReaped(s)
		}
	}
}

// CloseAll terminates every session's PTY, used on broker shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		if s.Bridge != nil {
			s.Bridge.Close()
		}
	}
}

// Metrics is a point-in-time snapshot of the session table for /metrics.
type Metrics struct {
	Active      int
	ByState     map[string]int
	QueuedBytes int
	OutputDrops uint64
	Truncations uint64
}

// Snapshot gathers metrics across all sessions. Ring drops and legacy queue
// drops are summed into one drop counter; rate-limited truncation events are
// reported separately.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Metrics{
		Active:  len(m.sessions),
		ByState: make(map[string]int),
	}
	for _, s := range m.sessions {
		snap.ByState[s.State.Kind.String()]++
		snap.QueuedBytes += s.QueuedBytes()
		snap.OutputDrops += s.QueueDrops()
		if s.Bridge != nil {
			rm := s.Bridge.Ring().Metrics()
			snap.OutputDrops += rm.Drops
			snap.Truncations += rm.Truncations
		}
	}
	return snap
}
