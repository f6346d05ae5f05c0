package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"picgo/logging"
)

// Manager ties signal handling to a Registry.
//
//	m := shutdown.NewManager(logger)
//	m.Register("history", shutdown.PriorityStorage, func(ctx context.Context) error { return db.Close() })
//	m.Start()
//	<-m.Context().Done()
//	m.Shutdown()
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	registry *Registry
	signals  *SignalCounter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	done    bool
	sigChan chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout bounds the whole cleanup sequence. The default is 30 seconds.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithForceExit replaces the action taken on the second signal.
func WithForceExit(fn func()) ManagerOption {
	return func(m *Manager) { m.signals = NewSignalCounter(2, fn) }
}

// NewManager creates a Manager. A second interrupt exits with status 1.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logging.OrNop(logger),
		timeout:  30 * time.Second,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		sigChan:  make(chan os.Signal, 1),
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("Received second signal, exiting immediately")
		os.Exit(1)
	})
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is canceled on the first signal or when Trigger is called.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range m.sigChan {
			m.onSignal(sig)
		}
	}()
}

func (m *Manager) onSignal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Trigger cancels the context as if a signal had arrived.
func (m *Manager) Trigger() {
	m.cancel()
}

// Shutdown runs the registered cleanup within the timeout. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Info("Shutting down", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("Cleanup failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	m.logger.Info("Shutdown complete", zap.Duration("duration", time.Since(start)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Names returns the registered handler names in execution order.
func (m *Manager) Names() []string {
	return m.registry.Names()
}
