// Package session owns the session table, admission policy, reconnect-token
// lifecycle, and the per-session state machine.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddlab/webpty/internal/ptybridge"
)

// StateKind is the session lifecycle stage. States carry a timestamp where a
// timeout is measured from entering them; keeping kind and timestamp in one
// value rules out combinations like "disconnected but also idle".
type StateKind int

const (
	// StateConnected has a live WebSocket attached.
	StateConnected StateKind = iota
	// StateDisconnected lost its socket and is inside the reconnect grace
	// window.
	StateDisconnected
	// StateIdle outlived the grace window without a reconnect.
	StateIdle
	// StateReaping is marked for removal on the next cleanup sweep.
	StateReaping
)

func (k StateKind) String() string {
	switch k {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	default:
		return "reaping"
	}
}

// State pairs a lifecycle stage with the instant it was entered. Since is
// zero for Connected and Reaping, where no timeout is measured from entry.
type State struct {
	Kind  StateKind
	Since time.Time
}

// noticeRateLimit is the minimum gap between read-only notices for the same
// input class on one session.
const noticeRateLimit = 5 * time.Second

// Session is one PTY session tracked by the Manager. Mutations go through
// Manager methods holding the table lock; the output queue and notice
// limiter have their own lock because they sit on the per-frame hot path.
type Session struct {
	ID             uuid.UUID
	ClientIP       netip.Addr
	ReconnectToken string
	TokenIssuedAt  time.Time
	CreatedAt      time.Time
	LastSeen       time.Time
	State          State

	Bridge *ptybridge.Bridge

	// Last terminal size seen from the client, replayed as restore_size on
	// reconnect.
	LastCols uint16
	LastRows uint16

	mu            sync.Mutex
	outputQueue   [][]byte
	queuedBytes   int
	maxQueueBytes int
	queueDrops    uint64
	noticeTimes   map[string]time.Time
}

// QueueOutput appends data to the session's output queue, evicting oldest
// entries while the byte cap is exceeded. It never blocks the PTY reader.
func (s *Session) QueueOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputQueue = append(s.outputQueue, data)
	s.queuedBytes += len(data)
	for s.queuedBytes > s.maxQueueBytes && len(s.outputQueue) > 1 {
		s.queuedBytes -= len(s.outputQueue[0])
		s.outputQueue[0] = nil
		s.outputQueue = s.outputQueue[1:]
		s.queueDrops++
	}
}

// DrainOutput removes and returns all queued output.
func (s *Session) DrainOutput() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputQueue
	s.outputQueue = nil
	s.queuedBytes = 0
	return out
}

// QueuedBytes reports the current queue size.
func (s *Session) QueuedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes
}

// QueueDrops reports how many queued chunks were evicted under pressure.
func (s *Session) QueueDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueDrops
}

// AllowNotice reports whether a read-only notice for the given input class
// may be sent now, and records the send time when it may. At most one notice
// per class per rate-limit window keeps a held-down key from flooding the
// client.
func (s *Session) AllowNotice(class string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.noticeTimes[class]; ok && now.Sub(last) < noticeRateLimit {
		return false
	}
	s.noticeTimes[class] = now
	return true
}

// newReconnectToken returns 32 bytes of cryptographic randomness in unpadded
// URL-safe base64, suitable for query strings.
func newReconnectToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
