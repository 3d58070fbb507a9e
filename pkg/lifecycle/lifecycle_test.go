package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartupAndShutdown(t *testing.T) {
	c := New(context.Background())
	var started, stopped atomic.Int32

	c.OnStartup("a", func(context.Context) error { started.Add(1); return nil })
	c.OnStartup("b", func(context.Context) error { started.Add(1); return nil })
	c.OnShutdown("a", func() { stopped.Add(1) })

	if err := c.WaitForStartup(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !c.Ready() || started.Load() != 2 {
		t.Fatalf("expected ready after 2 startup hooks, got ready=%v started=%d", c.Ready(), started.Load())
	}
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if stopped.Load() != 1 {
		t.Fatalf("expected shutdown hook to run once, got %d", stopped.Load())
	}
	if c.Ready() {
		t.Fatalf("expected not ready after shutdown")
	}
}

func TestStartupFailure(t *testing.T) {
	c := New(context.Background())
	c.OnStartup("db", func(context.Context) error { return errors.New("refused") })
	if err := c.WaitForStartup(); err == nil {
		t.Fatalf("expected startup error")
	}
	if c.Ready() {
		t.Fatalf("expected not ready")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New(context.Background())
	c.OnShutdown("slow", func() { time.Sleep(200 * time.Millisecond) })
	if err := c.Shutdown(10 * time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}
