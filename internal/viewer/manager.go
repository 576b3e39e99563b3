// SPDX-License-Identifier: MIT

// Package viewer implements the Client Manager (spec.md §4.4): a registry
// of connected WebSocket-FLV viewers plus the per-viewer bounded send
// queue that gives the system its backpressure story — a slow viewer is
// evicted, never allowed to stall the broadcast for everyone else.
//
// Grounded on the nonchalant wsflv subscriber's bounded-buffer + attach/
// detach shape (other_examples), but departing from its drop-oldest
// policy: spec.md §4.4 evicts the whole viewer on overflow instead.
package viewer

import (
	"sync"
	"time"

	"github.com/tomtom215/screencast-go/internal/util"
)

// DefaultQueueBytes is the floor spec.md §4.4 names ("never less than
// 4 MiB") when no tunable override is configured.
const DefaultQueueBytes = 4 * 1024 * 1024

// Close codes a Sink's CloseWithCode may be asked to send, per spec.md §6.
const (
	CloseNormal   = 1000
	ClosePolicy   = 1008
	CloseInternal = 1011
)

// Sink is the outbound byte transport for one viewer. A concrete
// implementation lives in internal/wsserver, wrapping a *websocket.Conn;
// tests use an in-memory fake.
type Sink interface {
	// Send delivers one chunk of bytes. Implementations should not block
	// indefinitely; the Manager already enforces backpressure at the
	// queue level, so Send is expected to be a fast, bounded write.
	Send(data []byte) error
	// CloseWithCode closes the underlying transport, sending the given
	// WebSocket close code where the transport supports it. Idempotent.
	CloseWithCode(code int, reason string) error
}

// Viewer is one connected client (spec.md §3).
type Viewer struct {
	ID          string
	ConnectedAt time.Time

	sink       Sink
	queueBytes int64

	mu       sync.Mutex
	queue    [][]byte
	queued   int64
	closed   bool
	draining chan struct{}
}

func newViewer(id string, sink Sink, queueBytes int64) *Viewer {
	if queueBytes <= 0 {
		queueBytes = DefaultQueueBytes
	}
	return &Viewer{
		ID:          id,
		ConnectedAt: time.Now(),
		sink:        sink,
		queueBytes:  queueBytes,
		draining:    make(chan struct{}, 1),
	}
}

// enqueue appends data to the viewer's send queue. It reports false if
// the queue's byte budget would be exceeded, which the Manager treats as
// a BackpressureOverflow eviction (spec.md §7).
func (v *Viewer) enqueue(data []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return true // already gone; not a backpressure event
	}
	if v.queued+int64(len(data)) > v.queueBytes {
		return false
	}
	v.queue = append(v.queue, data)
	v.queued += int64(len(data))

	select {
	case v.draining <- struct{}{}:
	default:
	}
	return true
}

// drainLoop pumps the viewer's queue into its sink in FIFO order until
// the viewer is closed or a write fails. Run as the one worker task per
// connected viewer the concurrency model (spec.md §5) calls for.
func (v *Viewer) drainLoop() {
	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		if len(v.queue) == 0 {
			v.mu.Unlock()
			<-v.draining
			continue
		}
		chunk := v.queue[0]
		v.queue = v.queue[1:]
		v.queued -= int64(len(chunk))
		v.mu.Unlock()

		if err := v.sink.Send(chunk); err != nil {
			v.markClosed()
			return
		}
	}
}

func (v *Viewer) markClosed() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.queue = nil
	v.queued = 0
	select {
	case v.draining <- struct{}{}:
	default:
	}
}

// QueuedBytes reports bytes currently buffered for this viewer.
func (v *Viewer) QueuedBytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queued
}

// Manager is the Client Manager (spec.md §4.4): registry plus broadcast.
type Manager struct {
	mu         sync.RWMutex
	viewers    map[string]*Viewer
	nextID     uint64
	queueBytes int64

	// onEvict, if set, is called whenever a viewer is removed for
	// backpressure overflow specifically (not a plain disconnect),
	// letting the coordinator/forwarder increment its eviction counter.
	onEvict func(id string)
}

// New creates an empty Client Manager. queueBytes is the per-viewer send
// queue capacity; values <= 0 fall back to DefaultQueueBytes.
func New(queueBytes int64) *Manager {
	return &Manager{
		viewers:    make(map[string]*Viewer),
		queueBytes: queueBytes,
	}
}

// OnEvict registers a callback invoked when a viewer is evicted for
// backpressure overflow.
func (m *Manager) OnEvict(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Add registers a new viewer and starts its drain worker, returning the
// assigned id.
func (m *Manager) Add(sink Sink) string {
	m.mu.Lock()
	m.nextID++
	id := idString(m.nextID)
	v := newViewer(id, sink, m.queueBytes)
	m.viewers[id] = v
	m.mu.Unlock()

	// One worker task per connected viewer (spec.md §5). SafeGo keeps a
	// panic writing to one viewer's transport from taking down the
	// broadcast path for every other viewer (spec.md §8 I4 isolation).
	util.SafeGo("viewer-drain-"+id, nil, v.drainLoop, func(r interface{}, _ []byte) {
		v.markClosed()
	})
	return id
}

// Remove closes and removes a viewer by id with a normal close code.
// Idempotent.
func (m *Manager) Remove(id string) {
	m.RemoveWithCode(id, CloseNormal, "")
}

// RemoveWithCode closes and removes a viewer by id, sending the given
// WebSocket close code. Idempotent.
func (m *Manager) RemoveWithCode(id string, code int, reason string) {
	m.mu.Lock()
	v, ok := m.viewers[id]
	if ok {
		delete(m.viewers, id)
	}
	m.mu.Unlock()

	if ok {
		v.markClosed()
		_ = v.sink.CloseWithCode(code, reason)
	}
}

// Send delivers data to exactly one viewer's queue synchronously,
// bypassing broadcast fan-out. Used by the coordinator to hand a fresh
// viewer its bootstrap() payload ahead of live bytes (spec.md §4.6).
func (m *Manager) Send(id string, data []byte) {
	m.mu.RLock()
	v, ok := m.viewers[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !v.enqueue(data) {
		m.evict(id, v)
	}
}

// Snapshot returns the current viewer set. The coordinator calls this
// inside its own critical section, alongside a GOP-buffer ingest, so the
// two stay atomic with respect to a concurrent ViewerConnect's bootstrap
// read (spec.md §5) — then passes the result to BroadcastTo once its lock
// is released.
func (m *Manager) Snapshot() []*Viewer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make([]*Viewer, 0, len(m.viewers))
	for _, v := range m.viewers {
		snapshot = append(snapshot, v)
	}
	return snapshot
}

// BroadcastTo enqueues data to every viewer in a previously taken
// Snapshot. A viewer whose queue would overflow is evicted rather than
// allowed to block the rest (spec.md §4.4, §8 I4).
func (m *Manager) BroadcastTo(snapshot []*Viewer, data []byte) {
	for _, v := range snapshot {
		if !v.enqueue(data) {
			m.evict(v.ID, v)
		}
	}
}

// Broadcast enqueues data to every current viewer (spec.md §4.5).
func (m *Manager) Broadcast(data []byte) {
	m.BroadcastTo(m.Snapshot(), data)
}

func (m *Manager) evict(id string, v *Viewer) {
	m.mu.Lock()
	if cur, ok := m.viewers[id]; ok && cur == v {
		delete(m.viewers, id)
	}
	cb := m.onEvict
	m.mu.Unlock()

	v.markClosed()
	_ = v.sink.CloseWithCode(CloseInternal, "backpressure overflow")
	if cb != nil {
		cb(id)
	}
}

// Count returns the number of currently connected viewers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.viewers)
}

// IsEmpty reports whether no viewers are connected.
func (m *Manager) IsEmpty() bool {
	return m.Count() == 0
}

// CloseAll closes every viewer with the given close code, used on
// Faulted/shutdown transitions.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	viewers := m.viewers
	m.viewers = make(map[string]*Viewer)
	m.mu.Unlock()

	for _, v := range viewers {
		v.markClosed()
		_ = v.sink.CloseWithCode(code, reason)
	}
}

func idString(n uint64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%uint64(len(digits))])
		n /= uint64(len(digits))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "v" + string(buf)
}
