package infrastructure

import (
	"context"
	"sync"
	"time"
)

// CallSessions tracks the synchronous intent waits of live calls so a hangup can release them.
type CallSessions struct {
	mu     sync.Mutex
	calls  map[string]*callSession
	ended  map[string]time.Time
	nextID uint64
	// endedTTL is how long a finished call keeps rejecting late intents.
	endedTTL time.Duration
}

type callSession struct {
	waits map[uint64]context.CancelFunc
}

func NewCallSessions() *CallSessions {
	return &CallSessions{
		calls:    make(map[string]*callSession),
		ended:    make(map[string]time.Time),
		endedTTL: 10 * time.Minute,
	}
}

func callKey(accountID, callID string) string {
	return accountID + "|" + callID
}

// Attach derives a context that is cancelled when the call hangs up. Release must be called
// when the wait ends. Attaching to a call that already ended returns a cancelled context.
func (s *CallSessions) Attach(ctx context.Context, accountID, callID string) (context.Context, func()) {
	waitCtx, cancel := context.WithCancel(ctx)
	if callID == "" {
		return waitCtx, cancel
	}
	key := callKey(accountID, callID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.ended[key]; done {
		cancel()
		return waitCtx, func() {}
	}
	session, ok := s.calls[key]
	if !ok {
		session = &callSession{waits: make(map[uint64]context.CancelFunc)}
		s.calls[key] = session
	}
	s.nextID++
	id := s.nextID
	session.waits[id] = cancel

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if session, ok := s.calls[key]; ok {
			delete(session.waits, id)
			if len(session.waits) == 0 {
				delete(s.calls, key)
			}
		}
		cancel()
	}
	return waitCtx, release
}

// Hangup cancels every wait of the call and returns how many were released.
func (s *CallSessions) Hangup(accountID, callID string) int {
	key := callKey(accountID, callID)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.ended[key] = now
	for k, at := range s.ended {
		if now.Sub(at) > s.endedTTL {
			delete(s.ended, k)
		}
	}

	session, ok := s.calls[key]
	if !ok {
		return 0
	}
	delete(s.calls, key)
	for _, cancel := range session.waits {
		cancel()
	}
	return len(session.waits)
}

// Active returns the number of calls with a pending wait.
func (s *CallSessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
