package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownRunsHandlers(t *testing.T) {
	c := NewCoordinator(0)
	var calls atomic.Int32
	c.RegisterFunc("a", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	c.RegisterFunc("b", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("handlers called %d times, want 2", calls.Load())
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
}

func TestShutdownPhaseOrder(t *testing.T) {
	c := NewCoordinator(0)
	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterWithPhase("stores", HandlerFunc(record("stores")), 300)
	c.RegisterWithPhase("listener", HandlerFunc(record("listener")), 100)
	c.RegisterWithPhase("gateway", HandlerFunc(record("gateway")), 200)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	want := []string{"listener", "gateway", "stores"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownSamePhaseConcurrent(t *testing.T) {
	c := NewCoordinator(0)
	gate := make(chan struct{})
	block := func(ctx context.Context) error {
		// Both handlers must be running for either to finish.
		select {
		case gate <- struct{}{}:
		case <-gate:
		case <-time.After(2 * time.Second):
			return errors.New("peer never started")
		}
		return nil
	}
	c.RegisterWithPhase("a", HandlerFunc(block), 100)
	c.RegisterWithPhase("b", HandlerFunc(block), 100)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownCollectsFailures(t *testing.T) {
	c := NewCoordinator(0)
	var ran atomic.Bool
	c.RegisterWithPhase("broken", HandlerFunc(func(ctx context.Context) error {
		return errors.New("boom")
	}), 100)
	c.RegisterWithPhase("later", HandlerFunc(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}), 200)

	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("err = %v, want ErrHandlerFailed", err)
	}
	if !ran.Load() {
		t.Error("a failing phase must not stop later phases")
	}
	if c.Err() == nil {
		t.Error("Err should report the failure after Done")
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	c := NewCoordinator(0)
	var calls atomic.Int32
	c.RegisterFunc("a", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != ErrAlreadyShutdown {
		t.Errorf("second shutdown err = %v, want ErrAlreadyShutdown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}
