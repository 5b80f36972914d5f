// Package confirm holds pending tool-call confirmations between the turn
// that proposed a risky action and the turn that unlocks it, grounded on
// the teacher's exec-approval gating (internal/tools/shell.go's
// ApprovalAware hook) generalized into a small self-expiring store since
// the pack did not carry a concrete ExecApprovalManager implementation to
// adapt directly.
package confirm

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/glm-gateway/internal/wire"
)

// DefaultTTL matches spec §5's suggested five-minute confirmation window.
const DefaultTTL = 5 * time.Minute

type entry struct {
	action    wire.Action
	expiresAt time.Time
}

// Store is a mutex-guarded map of pending confirmations keyed by the
// synthesized tool_call id, with a background sweep evicting stale
// entries rather than relying solely on lazy expiry checks at read time.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Store with the given TTL and starts its sweep goroutine.
// Callers must call Close to stop the sweep when the server shuts down.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:     ttl,
		pending: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put registers a new pending action and returns the id it was stored
// under.
func (s *Store) Put(action wire.Action) string {
	id := "call_" + uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = entry{action: action, expiresAt: time.Now().Add(s.ttl)}
	return id
}

// PutAt registers a pending action under a caller-supplied id, used when the
// id was already minted elsewhere (the safety gate's synthesized question
// tool_call id) and must match what the client will echo back.
func (s *Store) PutAt(id string, action wire.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = entry{action: action, expiresAt: time.Now().Add(s.ttl)}
}

// Take removes and returns the pending action for id, if it exists and
// hasn't expired.
func (s *Store) Take(id string) (wire.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return wire.Action{}, false
	}
	delete(s.pending, id)
	if time.Now().After(e.expiresAt) {
		return wire.Action{}, false
	}
	return e.action, true
}

// Peek reports whether id is still pending without consuming it.
func (s *Store) Peek(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return false
	}
	return !time.Now().After(e.expiresAt)
}

// Len reports the number of currently tracked entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the background sweep goroutine. Safe to call more than
// once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweepLoop() {
	interval := s.ttl / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		if now.After(e.expiresAt) {
			delete(s.pending, id)
		}
	}
}
