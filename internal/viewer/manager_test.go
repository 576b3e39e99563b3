// SPDX-License-Identifier: MIT

package viewer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	closeCode int
	closeWhy  string
	err       error
	block     chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (f *fakeSink) Send(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSink) CloseWithCode(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeWhy = reason
	return nil
}

func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestManager_AddRemove(t *testing.T) {
	m := New(DefaultQueueBytes)
	sink := newFakeSink()
	id := m.Add(sink)
	require.Equal(t, 1, m.Count())

	m.Remove(id)
	require.Equal(t, 0, m.Count())
	require.True(t, sink.isClosed())
}

func TestManager_BroadcastDeliversToAllViewers(t *testing.T) {
	m := New(DefaultQueueBytes)
	sinkA := newFakeSink()
	sinkB := newFakeSink()
	m.Add(sinkA)
	m.Add(sinkB)

	m.Broadcast([]byte("hello"))

	waitFor(t, func() bool { return sinkA.writeCount() == 1 && sinkB.writeCount() == 1 })
}

func TestManager_SendTargetsOneViewer(t *testing.T) {
	m := New(DefaultQueueBytes)
	sinkA := newFakeSink()
	sinkB := newFakeSink()
	idA := m.Add(sinkA)
	m.Add(sinkB)

	m.Send(idA, []byte("bootstrap"))

	waitFor(t, func() bool { return sinkA.writeCount() == 1 })
	require.Equal(t, 0, sinkB.writeCount())
}

func TestManager_EvictsOnQueueOverflow(t *testing.T) {
	m := New(10) // tiny budget, forces overflow on the second message
	sink := newFakeSink()
	sink.block = make(chan struct{}) // never unblocks: queue can't drain
	var evicted string
	m.OnEvict(func(id string) { evicted = id })

	id := m.Add(sink)
	m.Broadcast(make([]byte, 5))
	m.Broadcast(make([]byte, 20)) // exceeds the 10-byte budget

	waitFor(t, func() bool { return m.Count() == 0 })
	require.Equal(t, id, evicted)
	require.Equal(t, CloseInternal, sink.closeCode)
}

func TestManager_RemoveWithCodeSendsPolicyClose(t *testing.T) {
	m := New(DefaultQueueBytes)
	sink := newFakeSink()
	id := m.Add(sink)

	m.RemoveWithCode(id, ClosePolicy, "faulted")

	require.Equal(t, ClosePolicy, sink.closeCode)
	require.Equal(t, "faulted", sink.closeWhy)
}

func TestManager_CloseAll(t *testing.T) {
	m := New(DefaultQueueBytes)
	sinkA := newFakeSink()
	sinkB := newFakeSink()
	m.Add(sinkA)
	m.Add(sinkB)

	m.CloseAll(CloseNormal, "")

	require.Equal(t, 0, m.Count())
	require.True(t, sinkA.isClosed())
	require.True(t, sinkB.isClosed())
}

func TestManager_SendFailureClosesViewer(t *testing.T) {
	m := New(DefaultQueueBytes)
	sink := newFakeSink()
	sink.err = errors.New("write failed")
	m.Add(sink)

	m.Broadcast([]byte("x"))

	waitFor(t, func() bool { return sink.isClosed() })
}

func TestManager_IsEmpty(t *testing.T) {
	m := New(DefaultQueueBytes)
	require.True(t, m.IsEmpty())
	m.Add(newFakeSink())
	require.False(t, m.IsEmpty())
}
