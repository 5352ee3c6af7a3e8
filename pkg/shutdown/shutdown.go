package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/cf-reminder/pkg/logging"
)

// Hook is a named shutdown step
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown.
// Hooks run in reverse registration order (LIFO).
type Manager struct {
	hooks    []Hook
	mu       sync.Mutex
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger.Component("shutdown"),
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown hook
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs all registered hooks once, newest first, and returns the joined errors
func (m *Manager) Shutdown() error {
	m.once.Do(func() { close(m.doneChan) })

	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		m.logger.Info("Stopping", logging.Fields{"hook": h.Name})
		if err := h.Fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", logging.Fields{"hook": h.Name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// WaitWithContext blocks until SIGINT/SIGTERM or ctx cancellation, then shuts down
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", logging.Fields{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context done, initiating graceful shutdown")
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown hook for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown hook for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// WaitFor creates a hook that waits until done is closed or the timeout expires
func WaitFor(done <-chan struct{}, what string) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s: %w", what, ctx.Err())
		}
	}
}
