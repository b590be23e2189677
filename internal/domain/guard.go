package domain

import "sync"

// SessionGuard enforces at-most-one in-flight mutation per user. A second
// call arriving while one is pending is rejected immediately with
// ErrSessionBusy rather than queued; two rapid double-clicks must not
// double-apply the same delta. Independent users are never serialized
// against each other.
type SessionGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSessionGuard constructs a SessionGuard.
func NewSessionGuard() *SessionGuard {
	return &SessionGuard{inflight: make(map[string]struct{})}
}

// Acquire claims the mutation slot for userID. On success it returns a
// release func the caller must invoke once the mutation resolves.
func (g *SessionGuard) Acquire(userID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[userID]; busy {
		return nil, ErrSessionBusy
	}
	g.inflight[userID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, userID)
			g.mu.Unlock()
		})
	}
	return release, nil
}
