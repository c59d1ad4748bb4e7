// Package dedup provides a thread-safe set of recently seen keys with a TTL.
// Entries expire after the window passes; a background janitor removes them
// from the map so long-running agents don't leak memory.
package dedup

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Window remembers keys for a fixed duration.
type Window[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]time.Time
	ttl     time.Duration
	clock   clock.Clock
	stop    chan struct{}
	stopped bool
}

// New creates a dedup window with the given TTL and starts the janitor.
// cleanupInterval controls how often expired keys are physically removed;
// Seen never returns stale hits regardless of janitor timing.
func New[K comparable](ttl, cleanupInterval time.Duration, clk clock.Clock) *Window[K] {
	if clk == nil {
		clk = clock.New()
	}
	w := &Window[K]{
		seen:  make(map[K]time.Time),
		ttl:   ttl,
		clock: clk,
		stop:  make(chan struct{}),
	}

	go func() {
		ticker := clk.Ticker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.evict()
			case <-w.stop:
				return
			}
		}
	}()

	return w
}

// Seen records the key and reports whether it was already present within the
// window. Duplicate detection is by key identity, not recency: a redelivery
// arriving after newer keys is still recognized.
func (w *Window[K]) Seen(key K) bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return true
	}
	w.seen[key] = now
	return false
}

// Len returns the number of tracked keys (expired ones included until the
// janitor runs).
func (w *Window[K]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Clear forgets all keys.
func (w *Window[K]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[K]time.Time)
}

// Close stops the janitor goroutine.
func (w *Window[K]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
}

func (w *Window[K]) evict() {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, at := range w.seen {
		if now.Sub(at) >= w.ttl {
			delete(w.seen, key)
		}
	}
}
