// Package idempotency remembers which keys have been seen recently.
//
// The webhook router marks (payment ref, event kind) before acting so
// gateway redeliveries short-circuit, and the auto-release timer uses a
// key as a per-interval lease. Marks expire after their TTL. Correctness
// never depends on the guard: every guarded operation is idempotent on its
// own, the guard only saves repeated work.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Guard records keys with a TTL.
type Guard interface {
	// CheckAndMark marks key and reports whether it was unmarked before.
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget removes a mark, so a failed operation can be retried.
	Forget(ctx context.Context, key string) error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{expires: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.expires[key] = now.Add(ttl)
	if len(g.expires) > 1024 {
		g.evict(now)
	}
	return true, nil
}

func (g *MemoryGuard) Forget(ctx context.Context, key string) error {
	g.mu.Lock()
	delete(g.expires, key)
	g.mu.Unlock()
	return nil
}

// Caller must hold g.mu.
func (g *MemoryGuard) evict(now time.Time) {
	for k, exp := range g.expires {
		if !now.Before(exp) {
			delete(g.expires, k)
		}
	}
}

var _ Guard = (*MemoryGuard)(nil)
