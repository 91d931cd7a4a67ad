// Package workers tracks service-owned goroutines behind a shutdown boundary.
package workers

import (
	"context"
	"sync"
)

// Group tracks goroutines and provides a safe shutdown boundary so we never
// call WaitGroup.Add concurrently with Wait.
type Group struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// Reset prepares the group for reuse after a full stop.
//
// This must only be called when all workers have already exited.
func (g *Group) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopping = false
	g.wg = sync.WaitGroup{}
}

// Go starts fn unless the group is stopping, and reports whether it started.
func (g *Group) Go(fn func()) bool {
	if fn == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

// Stopping reports whether StopAndWait has been called.
func (g *Group) Stopping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopping
}

// StopAndWait prevents new workers from being started and waits for all
// current workers to exit, bounded by ctx.
func (g *Group) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
