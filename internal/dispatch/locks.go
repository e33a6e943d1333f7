package dispatch

import (
	"context"
	"strings"
	"sync"
)

// ownerSemaphore is a single-token channel semaphore. The token is pre-filled
// so acquire is a receive and release a non-blocking send.
type ownerSemaphore struct {
	ch chan struct{}
}

func newOwnerSemaphore() *ownerSemaphore {
	s := &ownerSemaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{}
	return s
}

func (s *ownerSemaphore) acquire(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ownerSemaphore) release() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// ownerLocks serializes actuator calls per owner across ticks and manual
// dispatches. Entries live for the process lifetime.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerSemaphore
}

func (l *ownerLocks) get(owner string) *ownerSemaphore {
	k := strings.TrimSpace(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*ownerSemaphore)
	}
	s := l.locks[k]
	if s == nil {
		s = newOwnerSemaphore()
		l.locks[k] = s
	}
	return s
}

// flightGuard makes ticks single-flight per owner. A second tick is refused,
// never queued.
type flightGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func (g *flightGuard) tryAcquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight == nil {
		g.inflight = make(map[string]struct{})
	}
	if _, busy := g.inflight[owner]; busy {
		return false
	}
	g.inflight[owner] = struct{}{}
	return true
}

func (g *flightGuard) release(owner string) {
	g.mu.Lock()
	delete(g.inflight, owner)
	g.mu.Unlock()
}

func (g *flightGuard) active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
