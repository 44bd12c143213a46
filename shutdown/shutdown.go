// Package shutdown coordinates graceful teardown of the relay's
// components. Handlers register with a phase; lower phases stop first,
// handlers within a phase stop concurrently. The intended ordering is
// listener first, then gateway and sessions, then stores last.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrHandlerFailed indicates one or more handlers failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler is implemented by components that need graceful teardown.
// The context is cancelled when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// DefaultTimeout bounds a signal-triggered shutdown.
const DefaultTimeout = 30 * time.Second

// DefaultPhase is assigned to handlers registered without a phase.
const DefaultPhase = 100

type registration struct {
	name    string
	handler Handler
	phase   int
}

// Coordinator runs registered handlers in phase order on shutdown.
type Coordinator struct {
	timeout time.Duration

	mu       sync.Mutex
	handlers []registration

	once sync.Once
	done chan struct{}
	err  error
}

// NewCoordinator creates a coordinator. A zero timeout means
// DefaultTimeout.
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a handler at DefaultPhase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, DefaultPhase)
}

// RegisterFunc adds a function handler at DefaultPhase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase adds a function handler at a specific phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// RegisterWithPhase adds a handler. Lower phases shut down first;
// handlers sharing a phase shut down concurrently.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// Shutdown runs every handler. Only the first call does the work;
// later calls return ErrAlreadyShutdown without waiting.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.err = c.run(ctx)
		close(c.done)
	})
	if !ran {
		return ErrAlreadyShutdown
	}
	return c.err
}

// ShutdownWithTimeout runs Shutdown under the coordinator's timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT. It returns
// immediately; wait on Done for completion.
func (c *Coordinator) HandleSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		signal.Stop(sigs)
		c.ShutdownWithTimeout()
	}()
}

// Done is closed once shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err reports the shutdown outcome. Valid only after Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	regs := make([]registration, len(c.handlers))
	copy(regs, c.handlers)
	c.mu.Unlock()

	byPhase := make(map[int][]registration)
	var phases []int
	for _, r := range regs {
		if _, ok := byPhase[r.phase]; !ok {
			phases = append(phases, r.phase)
		}
		byPhase[r.phase] = append(byPhase[r.phase], r)
	}
	sort.Ints(phases)

	var failures []string
	for _, phase := range phases {
		group := byPhase[phase]
		errs := make([]error, len(group))
		var wg sync.WaitGroup
		for i, r := range group {
			wg.Add(1)
			go func(i int, r registration) {
				defer wg.Done()
				errs[i] = r.handler.OnShutdown(ctx)
			}(i, r)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", group[i].name, err))
			}
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w: %v", ErrHandlerFailed, failures)
	}
	return nil
}
