// Package lifecycle coordinates startup and shutdown of long-lived
// services such as the HTTP server, queue consumers and store pools.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// Coordinator runs startup hooks concurrently, tracks readiness and runs
// shutdown hooks once its context is cancelled.
type Coordinator struct {
	ctx        context.Context
	cancel     context.CancelFunc
	startupWg  sync.WaitGroup
	shutdownWg sync.WaitGroup

	mu       sync.RWMutex
	ready    bool
	startErr []error
}

// New creates a Coordinator derived from parent.
func New(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{ctx: ctx, cancel: cancel}
}

// Context is cancelled when Shutdown is called or the parent is done.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// OnStartup runs fn concurrently. A returned error is logged and makes
// WaitForStartup fail.
func (c *Coordinator) OnStartup(name string, fn func(ctx context.Context) error) {
	c.startupWg.Go(func() {
		if err := fn(c.ctx); err != nil {
			logger.Error("[Lifecycle] startup hook failed", "hook", name, "err", err)
			c.mu.Lock()
			c.startErr = append(c.startErr, fmt.Errorf("%s: %w", name, err))
			c.mu.Unlock()
		}
	})
}

// OnShutdown registers fn to run after the context is cancelled.
func (c *Coordinator) OnShutdown(name string, fn func()) {
	c.shutdownWg.Go(func() {
		<-c.ctx.Done()
		logger.Debug("[Lifecycle] running shutdown hook", "hook", name)
		fn()
	})
}

// Ready reports whether all startup hooks finished without error.
func (c *Coordinator) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// WaitForStartup blocks until every startup hook returned.
func (c *Coordinator) WaitForStartup() error {
	c.startupWg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.startErr) > 0 {
		return c.startErr[0]
	}
	c.ready = true
	return nil
}

// Shutdown cancels the context and waits up to timeout for the shutdown
// hooks.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
