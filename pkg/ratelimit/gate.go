// Package ratelimit provides a minimum-interval gate for user-initiated
// actions. Unlike a windowed counter, the gate enforces a fixed gap between
// consecutive attempts — the shape the reaction send path needs.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Gate allows at most one action per interval.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	clock    clock.Clock
}

// NewGate creates a gate with the given minimum interval.
func NewGate(interval time.Duration, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	return &Gate{interval: interval, clock: clk}
}

// Allow reports whether an action may proceed now. A permitted call consumes
// the slot; a denied call does not push the next permitted time further out.
func (g *Gate) Allow() bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// RetryAfter returns how long until the next permitted attempt. Zero means an
// attempt would be allowed now.
func (g *Gate) RetryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last.IsZero() {
		return 0
	}
	remaining := g.interval - g.clock.Now().Sub(g.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the gate, e.g. when a new session starts.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = time.Time{}
}
