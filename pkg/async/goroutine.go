// Package async runs background work with panic recovery, timeouts and
// per-key exclusivity.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// SafeGo executes fn in a goroutine bounded by timeout. Panics and errors are
// logged instead of crashing the process. The task context is detached from
// parentCtx cancellation so request-scoped callers can return immediately,
// but keeps its values (logger, request id).
//
//	async.SafeGo(r.Context(), logger, 5*time.Minute, "master data sync", func(ctx context.Context) error {
//	    return scheduler.SyncTenant(ctx, slug)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		_ = run(parentCtx, logger, timeout, taskName, fn)
	}()
}

func run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	log := logger.WithField("task", taskName)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", taskName, r)
			log.WithField("stack", string(debug.Stack())).Errorf("PANIC: %v", r)
		}
	}()

	if err = fn(ctx); err != nil {
		log.WithError(err).Error("Background task failed")
	}
	return err
}

// Group tracks keyed background tasks. At most one task per key runs at a
// time and Wait blocks until every started task has returned.
type Group struct {
	logger  *observability.Logger
	timeout time.Duration

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewGroup creates a task group whose tasks each get the given timeout
func NewGroup(logger *observability.Logger, timeout time.Duration) *Group {
	return &Group{
		logger:  logger,
		timeout: timeout,
		running: make(map[string]struct{}),
	}
}

// TryGo starts fn unless a task with the same key is still running.
// It reports whether the task was started.
func (g *Group) TryGo(ctx context.Context, key string, fn func(context.Context) error) bool {
	g.mu.Lock()
	if _, busy := g.running[key]; busy {
		g.mu.Unlock()
		return false
	}
	g.running[key] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.running, key)
			g.mu.Unlock()
			g.wg.Done()
		}()
		_ = run(ctx, g.logger, g.timeout, key, fn)
	}()
	return true
}

// Running reports whether a task for key is in flight
func (g *Group) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[key]
	return ok
}

// Wait blocks until all tasks finish or ctx is done
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
