// SPDX-License-Identifier: MIT

// Package encoder implements the Process Supervisor: it owns exactly one
// capture-encoder child process at a time, exposing a small blocking/
// non-blocking I/O contract the Stream Forwarder drives from its own
// worker goroutines.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tomtom215/screencast-go/internal/util"
)

// Sentinel errors, spec.md §7 error kinds represented as values rather
// than a custom error-type hierarchy.
var (
	ErrNotRunning    = errors.New("encoder: not running")
	ErrAlreadyRunning = errors.New("encoder: already running")
)

// CommandBuilder constructs the *exec.Cmd for one encoder run. It is an
// external collaborator per spec.md §1 — the Process Supervisor never
// knows what flags or binary it's running, only how to run it. The
// concrete implementation lives in internal/capture.
type CommandBuilder interface {
	Build(ctx context.Context) (*exec.Cmd, error)
}

// Supervisor manages a single encoder child process end to end: spawn,
// blocking stdout reads, non-blocking stderr diagnostics, and two-phase
// shutdown. Grounded on stream.Manager's startFFmpeg/stop lifecycle and
// the mutability-grouped struct layout used for FFmpegProcess in the
// retrieval pack.
type Supervisor struct {
	// --- immutable after construction ---
	builder   CommandBuilder
	logger    *slog.Logger
	stderrLog io.Writer

	// --- mutable, protected by mu ---
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	startTime time.Time
	running   bool
	pid       int
	exitCode  int
	exited    bool

	// --- set once per Start(), read-only until the next Start() ---
	waitCh   chan error
	waitOnce sync.Once
	stderrCh chan string

	// tracker registers the live child process so a supervisor-level
	// leak check can tell a clean Stop() apart from a process that was
	// never reaped; the coordinator logs a warning when LeakedResources
	// is non-empty after a stop.
	tracker *util.ResourceTracker
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithStderrLog mirrors every stderr diagnostic line to w in addition to
// buffering it for ReadStderrLine. The coordinator passes a
// stream.RotatingWriter so a crash-looping encoder's stderr is captured to
// disk (with rotation) rather than only the small in-memory ring the
// diagnostic channel keeps.
func WithStderrLog(w io.Writer) Option {
	return func(s *Supervisor) {
		s.stderrLog = w
	}
}

// StartupFailed wraps the underlying spawn error so callers can test for
// it with errors.Is/As while still seeing the original cause via %w.
type StartupFailed struct {
	Cause error
}

func (e *StartupFailed) Error() string { return fmt.Sprintf("encoder: startup failed: %v", e.Cause) }
func (e *StartupFailed) Unwrap() error { return e.Cause }

// New creates a Supervisor around the given CommandBuilder.
func New(builder CommandBuilder, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{builder: builder, logger: logger, tracker: util.NewResourceTracker()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the encoder process. Returns *StartupFailed if the command
// could not be built or exec'd.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	cmd, err := s.builder.Build(ctx)
	if err != nil {
		return &StartupFailed{Cause: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupFailed{Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartupFailed{Cause: err}
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return &StartupFailed{Cause: err}
	}

	// Only assign s.cmd once Start() has actually succeeded, so a
	// concurrent Stop() call never observes a cmd whose process never
	// started.
	s.cmd = cmd
	s.stdout = stdout
	s.startTime = time.Now()
	s.running = true
	s.pid = cmd.Process.Pid
	s.exited = false
	s.exitCode = 0
	s.waitCh = make(chan error, 1)
	s.waitOnce = sync.Once{}
	s.stderrCh = make(chan string, 64)

	waitCh := s.waitCh
	go func() {
		s.waitOnce.Do(func() {
			waitCh <- cmd.Wait()
			close(waitCh)
		})
	}()

	stderrCh := s.stderrCh
	stderrLog := s.stderrLog
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			select {
			case stderrCh <- line:
			default:
				// Diagnostic only: drop the line rather than block the
				// encoder's stderr pipe if nobody is draining it.
			}
			if stderrLog != nil {
				fmt.Fprintln(stderrLog, line)
			}
		}
	}()

	s.tracker.TrackProcess("encoder", cmd.Process)
	s.logger.Info("encoder started", "pid", cmd.Process.Pid)
	return nil
}

// PID returns the child process's OS process id, or 0 if no process has
// ever been started.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ReadStdout blocks until data is available or the stream ends, returning
// up to maxBytes. An empty, nil-error result signals EOF.
func (s *Supervisor) ReadStdout(maxBytes int) ([]byte, error) {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()

	if stdout == nil {
		return nil, ErrNotRunning
	}

	buf := make([]byte, maxBytes)
	n, err := stdout.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// ReadStderrLine returns the next buffered diagnostic stderr line without
// blocking. ok is false if none is currently available.
func (s *Supervisor) ReadStderrLine() (line string, ok bool) {
	s.mu.Lock()
	ch := s.stderrCh
	s.mu.Unlock()

	if ch == nil {
		return "", false
	}

	select {
	case line, ok = <-ch:
		return line, ok
	default:
		return "", false
	}
}

// Stop performs a two-phase shutdown: signal, wait up to grace, then
// force-kill and wait up to a further 2s hard ceiling. Idempotent — a
// second call on an already-stopped supervisor is a no-op.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	waitCh := s.waitCh
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGINT)

	select {
	case err := <-waitCh:
		s.recordExit(err)
		s.markStopped()
		return nil
	case <-time.After(grace):
	}

	_ = cmd.Process.Kill()

	select {
	case err := <-waitCh:
		s.recordExit(err)
	case <-time.After(2 * time.Second):
	}

	s.markStopped()
	return nil
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.tracker.UntrackProcess("encoder")
}

// LeakedResources reports tracked resources (the child process, currently)
// that have not been untracked by a matching markStopped. A non-empty
// result after Stop has returned means the process was not confirmed
// reaped within its grace+hard-kill deadline.
func (s *Supervisor) LeakedResources() []string {
	return s.tracker.LeakedResources()
}

// Poll reports the encoder's exit code if it has already exited, without
// blocking. ok is false while the process is still running. Once an exit
// has been observed, the result is cached: repeated Poll calls keep
// reporting the same (code, true) rather than flipping back to "alive"
// after the one-shot wait channel has been drained (spec.md §4.2).
func (s *Supervisor) Poll() (code int, ok bool) {
	s.mu.Lock()
	if s.exited {
		code, ok = s.exitCode, true
		s.mu.Unlock()
		return code, ok
	}
	waitCh := s.waitCh
	s.mu.Unlock()

	if waitCh == nil {
		return 0, false
	}

	select {
	case err, received := <-waitCh:
		if !received {
			// Drained by a concurrent Stop() between our exited check and
			// this receive; its own recordExit call already cached the
			// result.
			s.mu.Lock()
			code, ok = s.exitCode, s.exited
			s.mu.Unlock()
			return code, ok
		}
		s.recordExit(err)
		s.markStopped()
		s.mu.Lock()
		code, ok = s.exitCode, true
		s.mu.Unlock()
		return code, ok
	default:
		return 0, false
	}
}

// recordExit caches the process's exit code the first time it is
// observed, by either Poll or Stop, whichever drains the wait channel
// first. Idempotent.
func (s *Supervisor) recordExit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		s.exitCode = exitErr.ExitCode()
	case err == nil:
		s.exitCode = 0
	default:
		s.exitCode = -1
	}
}

// Uptime returns how long the current (or most recent) run has been alive.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Running reports whether a process is currently believed to be alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
