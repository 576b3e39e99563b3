// SPDX-License-Identifier: MIT

package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptBuilder runs an inline shell script as the encoder child, letting
// tests control exactly what bytes it emits and when it exits, without
// depending on a real ffmpeg binary.
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

func TestSupervisor_StartReadStop(t *testing.T) {
	sup := New(&scriptBuilder{script: `printf 'FLVHEADER'; sleep 5`}, nil)

	require.NoError(t, sup.Start(context.Background()))
	require.True(t, sup.Running())

	data, err := sup.ReadStdout(4096)
	require.NoError(t, err)
	require.Equal(t, "FLVHEADER", string(data))

	require.NoError(t, sup.Stop(200*time.Millisecond))
	require.False(t, sup.Running())
	require.Empty(t, sup.LeakedResources())
}

func TestSupervisor_StartupFailed(t *testing.T) {
	sup := New(&scriptBuilder{fail: true}, nil)

	err := sup.Start(context.Background())
	require.Error(t, err)
	var startupErr *StartupFailed
	require.ErrorAs(t, err, &startupErr)
	require.False(t, sup.Running())
}

func TestSupervisor_AlreadyRunning(t *testing.T) {
	sup := New(&scriptBuilder{script: `sleep 5`}, nil)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(200 * time.Millisecond)

	err := sup.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisor_EOFOnExit(t *testing.T) {
	sup := New(&scriptBuilder{script: `printf 'x'`}, nil)
	require.NoError(t, sup.Start(context.Background()))

	data, err := sup.ReadStdout(4096)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))

	// The child has closed stdout and exited; the next read observes EOF
	// as an empty, nil-error result per the Process Supervisor contract.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err = sup.ReadStdout(4096)
		if err == nil && len(data) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected EOF (empty, nil-error read) before timeout")
}

func TestSupervisor_PollReportsExitCode(t *testing.T) {
	sup := New(&scriptBuilder{script: `exit 7`}, nil)
	require.NoError(t, sup.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if code, ok := sup.Poll(); ok {
			require.Equal(t, 7, code)
			// A repeated Poll after exit must keep reporting the cached
			// result rather than flipping back to "still alive" once the
			// one-shot wait channel has already been drained.
			code, ok = sup.Poll()
			require.True(t, ok)
			require.Equal(t, 7, code)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected Poll to report exit code before timeout")
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	sup := New(&scriptBuilder{script: `sleep 5`}, nil)
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Stop(200*time.Millisecond))
	require.NoError(t, sup.Stop(200*time.Millisecond))
	require.False(t, sup.Running())
}

func TestSupervisor_ReadStdoutNotRunning(t *testing.T) {
	sup := New(&scriptBuilder{script: `sleep 5`}, nil)
	_, err := sup.ReadStdout(4096)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSupervisor_WithStderrLogMirrorsLines(t *testing.T) {
	var buf bytes.Buffer
	sup := New(&scriptBuilder{script: `echo diagnostic-line 1>&2; sleep 5`}, nil, WithStderrLog(&buf))
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(200 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "diagnostic-line") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected stderr line mirrored to the configured writer")
}

func TestSupervisor_PIDReflectsRunningProcess(t *testing.T) {
	sup := New(&scriptBuilder{script: `sleep 5`}, nil)
	require.Zero(t, sup.PID())

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(200 * time.Millisecond)
	require.NotZero(t, sup.PID())
}
