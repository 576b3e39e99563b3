// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/screencast-go/internal/viewer"
)

// scriptBuilder runs an inline shell script as the "encoder", letting
// tests control exactly what bytes the fake encoder emits and when it
// exits, without depending on a real ffmpeg binary.
type scriptBuilder struct {
	script string
	fail   bool
}

func (s *scriptBuilder) Build(ctx context.Context) (*exec.Cmd, error) {
	if s.fail {
		return nil, fmt.Errorf("no such encoder binary")
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", s.script), nil
}

type recordingSink struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
	code    int
	reason  string
}

func (r *recordingSink) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, append([]byte(nil), data...))
	return nil
}

func (r *recordingSink) CloseWithCode(code int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.code = code
	r.reason = reason
	return nil
}

func (r *recordingSink) totalBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.writes {
		n += len(w)
	}
	return n
}

func (r *recordingSink) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

const flvishScript = `printf '\106\114\126\001\005\000\000\000\011'; sleep 5`

func waitForCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestCoordinator_LazyStart(t *testing.T) {
	c := New(&scriptBuilder{script: flvishScript}, Config{ShutdownGrace: 200 * time.Millisecond}, nil)
	require.Equal(t, Idle, c.State())
	require.False(t, c.Running())

	sink := &recordingSink{}
	c.ViewerConnect(sink)

	waitForCond(t, 2*time.Second, func() bool { return c.State() == Running })
	waitForCond(t, 2*time.Second, func() bool { return sink.totalBytes() >= 9 })

	require.Equal(t, byte('F'), sink.writes[0][0])
}

func TestCoordinator_LateJoinerGetsBootstrap(t *testing.T) {
	c := New(&scriptBuilder{script: flvishScript}, Config{ShutdownGrace: 200 * time.Millisecond}, nil)

	first := &recordingSink{}
	c.ViewerConnect(first)
	waitForCond(t, 2*time.Second, func() bool { return c.State() == Running })
	waitForCond(t, 2*time.Second, func() bool { return first.totalBytes() >= 9 })

	second := &recordingSink{}
	c.ViewerConnect(second)

	waitForCond(t, 2*time.Second, func() bool { return second.totalBytes() >= 9 })
	require.Equal(t, byte('F'), second.writes[0][0])
}

func TestCoordinator_DrainTimerCancelOnReconnect(t *testing.T) {
	c := New(&scriptBuilder{script: flvishScript}, Config{ShutdownGrace: time.Second}, nil)

	sink := &recordingSink{}
	id := c.ViewerConnect(sink)
	waitForCond(t, 2*time.Second, func() bool { return c.State() == Running })

	c.ViewerDisconnect(id)
	require.Equal(t, Draining, c.State())

	second := &recordingSink{}
	c.ViewerConnect(second)
	require.Equal(t, Running, c.State())
}

func TestCoordinator_DrainTimerFiresToIdle(t *testing.T) {
	c := New(&scriptBuilder{script: flvishScript}, Config{ShutdownGrace: 100 * time.Millisecond, SupervisorGrace: 500 * time.Millisecond}, nil)

	sink := &recordingSink{}
	id := c.ViewerConnect(sink)
	waitForCond(t, 2*time.Second, func() bool { return c.State() == Running })

	c.ViewerDisconnect(id)
	waitForCond(t, 3*time.Second, func() bool { return c.State() == Idle })
	require.False(t, c.Running())
}

func TestCoordinator_BreakerTripsOnRepeatedSpawnFailure(t *testing.T) {
	c := New(&scriptBuilder{fail: true}, Config{CrashThreshold: 1, CrashWindow: 60 * time.Second}, nil)

	sink := &recordingSink{}
	c.ViewerConnect(sink)

	waitForCond(t, 2*time.Second, func() bool { return c.State() == Faulted })
	waitForCond(t, time.Second, sink.isClosed)
	require.Equal(t, viewer.ClosePolicy, sink.code)
}

func TestCoordinator_FaultedViewerClosedImmediately(t *testing.T) {
	c := New(&scriptBuilder{fail: true}, Config{CrashThreshold: 1, CrashWindow: 60 * time.Second}, nil)

	first := &recordingSink{}
	c.ViewerConnect(first)
	waitForCond(t, 2*time.Second, func() bool { return c.State() == Faulted })

	second := &recordingSink{}
	c.ViewerConnect(second)
	waitForCond(t, time.Second, second.isClosed)
	require.Equal(t, viewer.ClosePolicy, second.code)
}

func TestCoordinator_DisconnectDuringStartingDrainsInsteadOfZombie(t *testing.T) {
	// A slow-to-start encoder lets the test disconnect the sole viewer
	// while the coordinator is still Starting, reproducing the race where
	// wsserver's readLoop returns (and ViewerDisconnect runs) before the
	// encoder finishes spawning. The coordinator must not settle into
	// Running with no viewers and no shutdown timer armed.
	c := New(&scriptBuilder{script: `sleep 0.3; ` + flvishScript}, Config{ShutdownGrace: 200 * time.Millisecond}, nil)

	sink := &recordingSink{}
	id := c.ViewerConnect(sink)
	require.Equal(t, Starting, c.State())

	c.ViewerDisconnect(id)

	waitForCond(t, 3*time.Second, func() bool { return c.State() == Idle })
	require.False(t, c.Running())
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	c := New(&scriptBuilder{script: flvishScript}, Config{ShutdownGrace: time.Second}, nil)
	sink := &recordingSink{}
	c.ViewerConnect(sink)
	waitForCond(t, 2*time.Second, func() bool { return c.State() == Running })

	ctx := context.Background()
	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, Idle, c.State())
	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, Idle, c.State())
}
