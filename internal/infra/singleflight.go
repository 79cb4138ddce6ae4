// Package infra holds small shared concurrency utilities.
package infra

import (
	"sync"
	"sync/atomic"
)

// Group suppresses duplicate executions of a unit of work. A duplicate
// caller for an in-flight key waits for the original execution and
// receives its result. This mirrors golang.org/x/sync/singleflight with
// generics.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64 // callers that shared a result
	misses atomic.Uint64 // actual executions
}

type call[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// Do executes fn, making sure only one execution is in flight for key at a
// time. The third return value reports whether the result was shared with
// the original caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		g.hits.Add(1)
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()
	g.misses.Add(1)

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, false
}

// Forget drops any in-flight record for key so that the next Do executes
// fn again rather than waiting.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// Stats returns the shared/executed counters for the group.
func (g *Group[K, V]) Stats() (hits, misses uint64) {
	return g.hits.Load(), g.misses.Load()
}
