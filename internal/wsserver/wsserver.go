// SPDX-License-Identifier: MIT

// Package wsserver implements the viewer-facing WebSocket-FLV endpoint
// (spec.md §5): it upgrades incoming HTTP connections, registers each one
// with the coordinator as a viewer.Sink, and pushes the concatenated FLV
// byte stream to the client as binary frames. The server never expects
// messages back from a viewer after the handshake; anything it receives is
// discarded, matching the wire contract's "close codes only" semantics.
//
// Grounded on the helix desktop package's ws_stream.go upgrade-then-push
// handler shape, trimmed down since this protocol carries no client-to-
// server control messages and no custom binary header — just raw FLV.
package wsserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/screencast-go/internal/viewer"
)

// HandshakeTimeout bounds how long the WebSocket upgrade itself may take.
// spec.md §5 suggests 10s.
const HandshakeTimeout = 10 * time.Second

// pingInterval governs how often the server pings an idle viewer connection
// to detect a dead peer before the OS notices the TCP socket is gone.
const pingInterval = 20 * time.Second

// pongWait is the read deadline renewed on every pong; it must exceed
// pingInterval so a single missed ping doesn't immediately drop the viewer.
const pongWait = pingInterval + 10*time.Second

// writeWait bounds a single outbound frame write, including control frames.
const writeWait = 5 * time.Second

// Coordinator is the subset of *coordinator.Coordinator the handler needs.
// Defined here (rather than imported) to avoid a dependency on the
// coordinator package's internals beyond this call surface.
type Coordinator interface {
	ViewerConnect(sink viewer.Sink) string
	ViewerDisconnect(id string)
}

// Handler is an http.Handler serving the WebSocket-FLV endpoint at any path;
// per spec.md §5 the path is not interpreted.
type Handler struct {
	coord    Coordinator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler bound to the given coordinator.
func NewHandler(coord Coordinator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4 * 1024,
			WriteBufferSize:  64 * 1024,
			HandshakeTimeout: HandshakeTimeout,
			// Screencast viewers are typically same-origin dashboards or
			// embedded clients; origin policy is left to a fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, registers it with the coordinator, and
// blocks until the viewer disconnects or the connection fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sink := newConnSink(conn, h.logger)
	id := h.coord.ViewerConnect(sink)
	h.logger.Info("viewer connected", "id", id, "remote", r.RemoteAddr)

	sink.readLoop()

	h.coord.ViewerDisconnect(id)
	sink.close()
	h.logger.Info("viewer disconnected", "id", id, "remote", r.RemoteAddr)
}
