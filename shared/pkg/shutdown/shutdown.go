package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/encodefleet/encodefleet/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered shutdown hooks in reverse registration order
type Manager struct {
	hooks   []hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Shutdown runs all hooks within the manager's timeout and returns the
// first error. Every hook runs even when an earlier one fails.
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var first error
	for i := len(m.hooks) - 1; i >= 0; i-- {
		h := m.hooks[i]
		m.logger.Info("Stopping " + h.name)
		if err := h.fn(ctx); err != nil {
			m.logger.WithError(err).Error("Shutdown hook failed", map[string]interface{}{"hook": h.name})
			if first == nil {
				first = fmt.Errorf("%s: %w", h.name, err)
			}
		}
	}
	m.hooks = nil

	m.logger.Info("Graceful shutdown complete")
	return first
}

// WaitWithContext blocks until SIGINT/SIGTERM, Trigger, or ctx cancellation,
// then runs the hooks. ctx cancellation also runs them.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
	case <-m.done:
		m.logger.Info("Shutdown triggered")
	case <-ctx.Done():
		m.logger.Info("Context cancelled, initiating graceful shutdown")
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
