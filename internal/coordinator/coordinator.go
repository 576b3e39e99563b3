// SPDX-License-Identifier: MIT

// Package coordinator implements the Streaming Coordinator (spec.md
// §4.6): the lifecycle state machine gluing the Health Monitor, Process
// Supervisor, GOP Buffer, and Client Manager to viewer arrivals and
// departures. It is the single owner of coordinator state, the viewer
// registry, and the GOP buffer, all three guarded by one mutex per
// spec.md §5.
//
// Grounded on stream.Manager's Run/backoff restart loop for the overall
// "own a subprocess, restart it on crash" shape, generalized from a
// single always-on ALSA capture to a state machine driven by viewer
// presence.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tomtom215/screencast-go/internal/encoder"
	"github.com/tomtom215/screencast-go/internal/gop"
	"github.com/tomtom215/screencast-go/internal/health"
	"github.com/tomtom215/screencast-go/internal/stream"
	"github.com/tomtom215/screencast-go/internal/util"
	"github.com/tomtom215/screencast-go/internal/viewer"
)

// State is the coordinator lifecycle state (spec.md §3/§4.6).
type State int

const (
	Idle State = iota
	Starting
	Running
	Draining
	Stopping
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopping:
		return "Stopping"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

const defaultReadChunkBytes = 8192

// Config holds the coordinator tunables that are not opaque to it
// (spec.md §3's Config record, minus the encoder-only fields the
// CommandBuilder owns).
type Config struct {
	ShutdownGrace    time.Duration
	SupervisorGrace  time.Duration
	CrashThreshold   int
	CrashWindow      time.Duration
	ReadChunkBytes   int
	ViewerQueueBytes int64

	// StderrLogDir, when non-empty, directs the encoder's stderr to a
	// rotating on-disk log (internal/stream's RotatingWriter) in addition
	// to the small in-memory diagnostic ring the supervisor already keeps.
	StderrLogDir string
}

// Stats exposes forwarder/coordinator counters for the health HTTP
// endpoint (spec.md §4.5).
type Stats struct {
	BytesForwarded   int64
	ChunksForwarded  int64
	ViewersEvicted   int64
	RestartCount     int64
	State            string
}

// Coordinator is the single owner of the state word, the viewer
// registry, and the GOP buffer (spec.md §5).
type Coordinator struct {
	builder encoder.CommandBuilder
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	state   State
	sup     *encoder.Supervisor
	breaker *health.CrashBreaker
	gopBuf  *gop.Buffer
	clients *viewer.Manager

	// restartBackoff delays a respawn attempt after an unexpected
	// encoder exit (spec.md §9 Open Question: "implementations MAY add
	// a short fixed delay to avoid hot-spinning"). Reused from the
	// teacher's stream.Backoff rather than a bespoke timer.
	restartBackoff *stream.Backoff

	// stderrLog, when configured via Config.StderrLogDir, captures every
	// encoder run's stderr to disk with rotation; passed to each
	// encoder.Supervisor via encoder.WithStderrLog.
	stderrLog io.WriteCloser

	shutdownTimer *time.Timer
	generation    uint64 // bumped every restart/stop so stale timers/forwarders no-op

	bytesForwarded  int64
	chunksForwarded int64
	viewersEvicted  int64
	restartCount    int64

	stopped chan struct{}
}

// New creates a Coordinator in the Idle state. It does not start
// anything until the first viewer connects.
func New(builder encoder.CommandBuilder, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadChunkBytes <= 0 {
		cfg.ReadChunkBytes = defaultReadChunkBytes
	}
	if cfg.CrashThreshold <= 0 {
		cfg.CrashThreshold = 3
	}
	if cfg.CrashWindow <= 0 {
		cfg.CrashWindow = 60 * time.Second
	}
	if cfg.SupervisorGrace <= 0 {
		cfg.SupervisorGrace = 5 * time.Second
	}

	c := &Coordinator{
		builder: builder,
		logger:  logger,
		cfg:     cfg,
		state:   Idle,
		breaker:        health.NewCrashBreaker(cfg.CrashThreshold, cfg.CrashWindow),
		gopBuf:         gop.New(),
		clients:        viewer.New(cfg.ViewerQueueBytes),
		// maxAttempts is unused: the coordinator's own health.CrashBreaker
		// decides whether to keep retrying, not Backoff.ShouldStop.
		restartBackoff: stream.NewBackoff(500*time.Millisecond, 30*time.Second, 1<<30),
		stopped:        make(chan struct{}),
	}
	if cfg.StderrLogDir != "" {
		w, err := stream.LogWriter(cfg.StderrLogDir, "encoder")
		if err != nil {
			logger.Warn("encoder stderr log disabled", "error", err)
		} else {
			c.stderrLog = w
		}
	}

	c.clients.OnEvict(func(id string) {
		c.mu.Lock()
		c.viewersEvicted++
		empty := c.clients.IsEmpty()
		state := c.state
		c.mu.Unlock()
		if empty && (state == Running) {
			c.ViewerDisconnect(id)
		}
	})
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of forwarder/coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		BytesForwarded:  c.bytesForwarded,
		ChunksForwarded: c.chunksForwarded,
		ViewersEvicted:  c.viewersEvicted,
		RestartCount:    c.restartCount,
		State:           c.state.String(),
	}
}

// ViewerConnect admits a new viewer (spec.md §4.6). It returns the
// assigned viewer id. If the coordinator is Faulted, the viewer is
// admitted and then immediately closed with the policy close code.
func (c *Coordinator) ViewerConnect(sink viewer.Sink) string {
	c.mu.Lock()

	id := c.clients.Add(sink)

	switch c.state {
	case Idle:
		c.state = Starting
		gen := c.generation
		c.mu.Unlock()
		go c.spawn(gen)
		return id

	case Starting:
		// Queued without bootstrap; it receives the live stream naturally
		// once the forwarder starts (spec.md §4.6 bootstrap delivery race).
		c.mu.Unlock()
		return id

	case Running:
		boot := c.gopBuf.Bootstrap()
		c.mu.Unlock()
		if len(boot) > 0 {
			c.clients.Send(id, boot)
		}
		return id

	case Draining:
		c.cancelShutdownTimerLocked()
		c.state = Running
		boot := c.gopBuf.Bootstrap()
		c.mu.Unlock()
		if len(boot) > 0 {
			c.clients.Send(id, boot)
		}
		return id

	case Faulted:
		c.mu.Unlock()
		c.clients.RemoveWithCode(id, viewer.ClosePolicy, "encoder unavailable")
		return id

	default: // Stopping
		c.mu.Unlock()
		c.clients.RemoveWithCode(id, viewer.CloseInternal, "shutting down")
		return id
	}
}

// ViewerDisconnect removes a viewer and, if it was the last one while
// Running, arms the shutdown-grace timer (spec.md §4.6).
func (c *Coordinator) ViewerDisconnect(id string) {
	c.clients.Remove(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running {
		return
	}
	if !c.clients.IsEmpty() {
		return
	}

	c.state = Draining
	c.armShutdownTimerLocked()
}

func (c *Coordinator) armShutdownTimerLocked() {
	gen := c.generation
	grace := c.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	c.shutdownTimer = time.AfterFunc(grace, func() { c.onShutdownTimerFire(gen) })
}

func (c *Coordinator) cancelShutdownTimerLocked() {
	if c.shutdownTimer != nil {
		c.shutdownTimer.Stop()
		c.shutdownTimer = nil
	}
}

// onShutdownTimerFire handles the Draining -> Stopping -> Idle transition
// (spec.md §4.6). It checks state and viewer count before acting, so a
// concurrent viewer_connect racing the timer is handled safely. It runs on
// the runtime's own time.AfterFunc goroutine, so a panic here is recovered
// locally rather than via SafeGo (nothing to re-spawn underneath it).
func (c *Coordinator) onShutdownTimerFire(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown timer panic recovered", "panic", r)
		}
	}()

	c.mu.Lock()
	if gen != c.generation || c.state != Draining || !c.clients.IsEmpty() {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	sup := c.sup
	c.generation++
	c.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(c.cfg.SupervisorGrace)
		if leaked := sup.LeakedResources(); len(leaked) > 0 {
			c.logger.Warn("encoder process not confirmed reaped after stop", "leaked", leaked)
		}
	}

	c.mu.Lock()
	c.gopBuf.Reset()
	c.breaker.Reset()
	c.restartBackoff.Reset()
	c.sup = nil
	c.state = Idle
	c.mu.Unlock()

	c.logger.Info("coordinator drained to idle")
}

// spawn starts the Process Supervisor and, on success, the forwarder
// loop. gen pins this attempt to the generation active when it was
// requested, so a stale goroutine from a superseded attempt never
// mutates state out from under a newer one.
func (c *Coordinator) spawn(gen uint64) {
	var opts []encoder.Option
	if c.stderrLog != nil {
		opts = append(opts, encoder.WithStderrLog(c.stderrLog))
	}
	sup := encoder.New(c.builder, c.logger, opts...)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		c.handleSpawnFailure(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = sup.Stop(c.cfg.SupervisorGrace)
		return
	}
	c.sup = sup
	if c.clients.IsEmpty() {
		// The sole viewer that triggered this spawn disconnected before the
		// encoder finished starting (a realistic race: wsserver's readLoop
		// can return, and ViewerDisconnect run, before Start returns above).
		// Go straight to Draining and arm the shutdown timer rather than
		// Running with no viewers and nothing left to ever disconnect and
		// notice — otherwise the encoder runs forever unobserved.
		c.state = Draining
		c.armShutdownTimerLocked()
	} else {
		c.state = Running
	}
	c.mu.Unlock()

	// The forwarder is the one goroutine that runs unsupervised for the
	// lifetime of an encoder run; SafeGo keeps a panic in FLV parsing or
	// broadcast from taking down the whole daemon, matching the teacher's
	// "24/7 unattended operation" goroutine-safety convention. A recovered
	// panic is treated the same as an unexpected encoder exit.
	util.SafeGo("stream-forwarder", nil, func() {
		c.forwardLoop(sup, gen)
	}, func(r interface{}, stack []byte) {
		c.logger.Error("forwarder panic recovered", "panic", r, "stack", string(stack))
		c.onSupervisorExit(gen)
	})
}

func (c *Coordinator) handleSpawnFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.breaker.RecordCrash(time.Now())
	restart := c.breaker.ShouldRestart(time.Now())
	if !restart {
		c.state = Faulted
		c.mu.Unlock()
		c.clients.CloseAll(viewer.ClosePolicy, "encoder startup failed")
		c.logger.Error("encoder startup failed, breaker tripped", "error", cause)
		return
	}
	c.state = Idle
	c.mu.Unlock()
	c.logger.Warn("encoder startup failed, will retry on next viewer", "error", cause)
	c.clients.CloseAll(viewer.CloseInternal, "encoder startup failed")
}

// forwardLoop is the Stream Forwarder (spec.md §4.5): it blocks on
// Supervisor.ReadStdout on its own worker goroutine, feeds the GOP
// buffer, and broadcasts. It exits on EOF (encoder exit) or when a newer
// generation supersedes it.
func (c *Coordinator) forwardLoop(sup *encoder.Supervisor, gen uint64) {
	chunkSize := c.cfg.ReadChunkBytes
	for {
		data, err := sup.ReadStdout(chunkSize)
		if err != nil && !errors.Is(err, io.EOF) {
			c.onSupervisorExit(gen)
			return
		}
		if len(data) == 0 {
			c.onSupervisorExit(gen)
			return
		}

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.gopBuf.Ingest(data)
		c.bytesForwarded += int64(len(data))
		c.chunksForwarded++
		// The viewer snapshot must be taken in the same critical section as
		// the GOP ingest above (spec.md §5): otherwise a ViewerConnect
		// between the unlock and the broadcast below could hand a new
		// viewer a bootstrap that already folds in this chunk, and then
		// this broadcast would deliver it to that viewer a second time.
		snapshot := c.clients.Snapshot()
		c.mu.Unlock()

		c.clients.BroadcastTo(snapshot, data)
	}
}

// onSupervisorExit handles an unexpected encoder exit while Running or
// Draining (spec.md §4.6).
func (c *Coordinator) onSupervisorExit(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.state != Running && c.state != Draining {
		c.mu.Unlock()
		return
	}

	uptime := time.Duration(0)
	if c.sup != nil {
		uptime = c.sup.Uptime()
	}
	c.cancelShutdownTimerLocked()
	c.breaker.RecordCrash(time.Now())
	restart := c.breaker.ShouldRestart(time.Now())
	c.gopBuf.Reset()
	c.sup = nil

	if !restart {
		c.state = Faulted
		c.mu.Unlock()
		c.restartBackoff.Reset()
		c.clients.CloseAll(viewer.ClosePolicy, "encoder repeatedly crashed")
		c.logger.Error("encoder crashed, breaker tripped")
		return
	}

	c.state = Starting
	c.restartCount++
	c.generation++
	newGen := c.generation
	c.mu.Unlock()

	c.restartBackoff.RecordSuccess(uptime)
	delay := c.restartBackoff.CurrentDelay()
	c.logger.Warn("encoder crashed, restarting", "delay", delay)
	if delay > 0 {
		time.Sleep(delay)
	}
	c.spawn(newGen)
}

// Shutdown drives any state to Stopping then Idle, disconnecting all
// viewers and stopping the supervisor if one is running (spec.md §4.6
// shutdown_signal). It is idempotent (spec.md I6): a second call after
// the first completes observes the same Idle end state.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	c.cancelShutdownTimerLocked()
	c.state = Stopping
	c.generation++
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()

	c.clients.CloseAll(viewer.CloseNormal, "server shutting down")

	if sup != nil {
		grace := c.cfg.SupervisorGrace
		errCh := make(chan error, 1)
		go func() { errCh <- sup.Stop(grace) }()
		select {
		case err := <-errCh:
			if err != nil {
				c.logger.Error("supervisor stop failed", "error", err)
			}
			if leaked := sup.LeakedResources(); len(leaked) > 0 {
				c.logger.Warn("encoder process not confirmed reaped after stop", "leaked", leaked)
			}
		case <-ctx.Done():
			return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	c.gopBuf.Reset()
	c.breaker.Reset()
	c.restartBackoff.Reset()
	c.state = Idle
	stderrLog := c.stderrLog
	c.mu.Unlock()

	if stderrLog != nil {
		_ = stderrLog.Close()
	}

	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
	return nil
}

// Running reports whether the encoder child should currently be alive
// (spec.md §8 I1: alive iff state ∈ {Starting, Running, Draining}).
func (c *Coordinator) Running() bool {
	s := c.State()
	return s == Starting || s == Running || s == Draining
}

// Services implements health.StatusProvider, reporting the encoder
// subprocess as the sole supervised service.
func (c *Coordinator) Services() []health.ServiceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := health.ServiceInfo{
		Name:     "encoder",
		State:    c.state.String(),
		Restarts: int(c.restartCount),
		Failures: c.breaker.Count(),
	}
	if c.sup != nil {
		info.Uptime = c.sup.Uptime()
		info.PID = c.sup.PID()
	}
	info.Healthy = c.state != Faulted
	return []health.ServiceInfo{info}
}

// SystemInfo implements health.SystemInfoProvider.
func (c *Coordinator) SystemInfo() health.SystemInfo {
	c.mu.Lock()
	state := c.state
	bootstrapBytes := c.gopBuf.BootstrapSize()
	c.mu.Unlock()

	return health.SystemInfo{
		ViewerCount:       c.clients.Count(),
		GOPBootstrapBytes: bootstrapBytes,
		BreakerTripped:    state == Faulted,
	}
}
