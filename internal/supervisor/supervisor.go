// SPDX-License-Identifier: MIT

// Package supervisor runs named background services and restarts them
// when they fail: a service whose Run returns or panics while its context
// is still live is restarted after an exponentially growing delay, rather
// than a Go panic tearing down the process. cmd/screencast registers one
// service in it, the health/WebSocket HTTP server.
//
// The per-service bookkeeping (state, restart count, exponential backoff
// between restarts, panic recovery) is implemented directly in
// runServiceLoop, the way the teacher's own supervisor does it. A
// thejerf/suture tree is also served for the lifetime of Run; it
// supervises only an internal sentinel service and its events are logged.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an
// error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervisor tree in suture's event log.
	// Default: "supervisor".
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop
	// gracefully. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// RestartDelay is the initial delay before restarting a failed
	// service. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff applied between
	// restarts of a repeatedly-failing service. Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier is the factor the restart delay is multiplied by
	// after each consecutive failure. Default: 2.0.
	RestartMultiplier float64

	// Logger is optional; if set, supervisor events are logged here.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services, restarting them on
// failure (an error return or a panic) with exponential backoff. Its
// suture.Supervisor hosts only a sentinel service for the lifetime of Run.
type Supervisor struct {
	cfg Config

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	suture *suture.Supervisor

	logMu sync.Mutex
}

// serviceEntry tracks a single service's lifecycle.
type serviceEntry struct {
	service      Service
	state        ServiceState
	startTime    time.Time
	restarts     int
	lastError    error
	cancel       context.CancelFunc
	currentDelay time.Duration
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier <= 0 {
		cfg.RestartMultiplier = 2.0
	}

	if cfg.Name == "" {
		cfg.Name = "supervisor"
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}

	s.suture = suture.New(cfg.Name, suture.Spec{
		EventHook:        s.sutureEvent,
		FailureBackoff:   cfg.RestartDelay,
		Timeout:          cfg.ShutdownTimeout,
		PassThroughPanics: false,
	})

	return s
}

// sutureEvent logs events from the suture tree, which supervises only the
// sentinel started by Run (not the registered services, which are tracked
// independently in serviceEntry).
func (s *Supervisor) sutureEvent(ev suture.Event) {
	s.logf("supervisor tree event: %s", ev.String())
}

// logf writes a formatted log message if Logger is configured
// (thread-safe).
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.logMu.Lock()
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
		s.logMu.Unlock()
	}
}

// Add registers a service with the supervisor. If the supervisor is
// already running, the service is started immediately. Returns an error
// if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{
		service:      svc,
		state:        ServiceStateIdle,
		currentDelay: s.cfg.RestartDelay,
	}
	s.services[name] = entry
	s.logf("added service: %s", name)

	if s.running {
		s.startService(entry)
	}

	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}

	if entry.cancel != nil {
		entry.cancel()
	}
	delete(s.services, name)
	s.mu.Unlock()

	s.logf("removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.services))
	now := time.Now()

	for name, entry := range s.services {
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}

		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// sentinel is a trivial suture.Service that blocks until its context is
// cancelled, giving the top-level suture tree something to supervise for
// the lifetime of Run.
type sentinel struct{ done <-chan struct{} }

func (s sentinel) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.done:
		return nil
	}
}

// Run starts all registered services and blocks until ctx is cancelled.
// When ctx is cancelled, all services are stopped gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, entry := range s.services {
		s.startService(entry)
	}
	s.mu.Unlock()

	s.logf("supervisor started with %d services", s.ServiceCount())

	s.suture.Add(sentinel{done: runCtx.Done()})
	sutureErrCh := s.suture.ServeBackground(runCtx)

	<-runCtx.Done()

	s.logf("shutdown signal received, stopping services...")

	err := s.shutdown()

	select {
	case <-sutureErrCh:
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	return err
}

// startService launches a service in a goroutine with restart logic.
func (s *Supervisor) startService(entry *serviceEntry) {
	ctx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.state = ServiceStateRunning
	entry.startTime = time.Now()
	if entry.currentDelay <= 0 {
		entry.currentDelay = s.cfg.RestartDelay
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runServiceLoop(ctx, entry)
	}()
}

// runServiceLoop runs a service with automatic restart on failure. Each
// consecutive failure multiplies the restart delay by
// cfg.RestartMultiplier, capped at cfg.MaxRestartDelay; a clean restart
// (service returns and ctx is still live) resets the delay.
func (s *Supervisor) runServiceLoop(ctx context.Context, entry *serviceEntry) {
	for {
		select {
		case <-ctx.Done():
			entry.state = ServiceStateStopped
			s.logf("service %s stopped", entry.service.Name())
			return
		default:
		}

		entry.state = ServiceStateRunning
		entry.startTime = time.Now()

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("service %s panicked: %v", entry.service.Name(), r)
				}
			}()
			return entry.service.Run(ctx)
		}()

		if ctx.Err() != nil {
			entry.state = ServiceStateStopped
			return
		}

		entry.state = ServiceStateFailed
		entry.lastError = err
		entry.restarts++
		delay := entry.currentDelay
		s.logf("service %s failed (restarts=%d, next retry in %s): %v", entry.service.Name(), entry.restarts, delay, err)

		entry.currentDelay = time.Duration(float64(entry.currentDelay) * s.cfg.RestartMultiplier)
		if entry.currentDelay > s.cfg.MaxRestartDelay {
			entry.currentDelay = s.cfg.MaxRestartDelay
		}

		select {
		case <-ctx.Done():
			entry.state = ServiceStateStopped
			return
		case <-time.After(delay):
		}
	}
}

// shutdown stops all services gracefully with timeout.
func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	for _, entry := range s.services {
		if entry.cancel != nil {
			entry.state = ServiceStateStopping
			entry.cancel()
		}
	}
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logf("all services stopped gracefully")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logf("shutdown timeout exceeded, some services may not have stopped cleanly")
		return errors.New("shutdown timeout exceeded")
	}
}
