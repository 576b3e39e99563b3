// SPDX-License-Identifier: MIT

package wsserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connSink adapts a *websocket.Conn to viewer.Sink. Writes are serialized
// with a mutex since gorilla/websocket forbids concurrent writers on one
// connection; the coordinator's forwarder and the ping ticker both write.
type connSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	pingDone chan struct{}
	pingOnce sync.Once
}

func newConnSink(conn *websocket.Conn, logger *slog.Logger) *connSink {
	s := &connSink{
		conn:     conn,
		logger:   logger,
		pingDone: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop()
	return s
}

// Send implements viewer.Sink, writing one FLV chunk as a binary frame.
func (s *connSink) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// CloseWithCode implements viewer.Sink. Idempotent: a second call is a no-op.
func (s *connSink) CloseWithCode(code int, reason string) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()

	s.stopPing()
	return err
}

// close tears down the ping loop and underlying connection without sending
// a close frame; used after readLoop returns on its own (peer already gone
// or the coordinator called CloseWithCode, which already sent one).
func (s *connSink) close() {
	s.stopPing()
	_ = s.conn.Close()
}

func (s *connSink) stopPing() {
	s.pingOnce.Do(func() { close(s.pingDone) })
}

// readLoop discards any viewer-to-server messages (the wire contract
// defines none) and blocks until the connection closes. It also renews the
// pong read deadline so dead peers are detected via pongWait.
func (s *connSink) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop periodically pings the peer to keep intermediaries (and the
// viewer) aware the connection is alive, detecting dead peers proactively
// rather than waiting on a TCP-level timeout.
func (s *connSink) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.pingDone:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.closed {
				s.writeMu.Unlock()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}
