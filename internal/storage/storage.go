package storage

import (
	"sync"
)

// CommitGuard tracks which capture sessions have a commit in flight.
// At most one commit may run per session key at a time.
type CommitGuard struct {
	inFlight map[string]struct{}
	mu       sync.Mutex
}

func NewCommitGuard() *CommitGuard {
	return &CommitGuard{
		inFlight: make(map[string]struct{}),
	}
}

// Begin marks key busy. The returned release must be called once the commit
// finishes; ok is false when another commit for key is still running.
func (g *CommitGuard) Begin(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[key]; busy {
		return nil, false
	}
	g.inFlight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.inFlight, key)
		})
	}, true
}

// Busy reports whether key has a commit in flight
func (g *CommitGuard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inFlight[key]
	return busy
}

// Len returns the number of commits in flight
func (g *CommitGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
