// SPDX-License-Identifier: MIT

// Package health provides the sliding-window crash breaker (CrashBreaker)
// and an HTTP health check endpoint for the screencast daemon.
//
// The health check exposes coordinator status at /healthz as JSON, suitable
// for a load balancer probe or process supervisor. A Prometheus-compatible
// /metrics endpoint is also served, with viewer count, encoder uptime,
// restarts, and failures for fleet monitoring.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tomtom215/screencast-go/internal/stream"
)

// ServiceInfo describes the health state of the capture encoder as
// supervised by the coordinator. Only one entry is reported today (the
// encoder), but the slice shape is kept so the handler doesn't need to
// change if a future supervisor exposes more than one named service.
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Failures int           `json:"failures,omitempty"`
	PID      int           `json:"pid,omitempty"`
}

// SystemInfo contains coordinator-level health data included in the health
// response: how many viewers are attached and how much GOP-buffer data is
// available to bootstrap a new one.
type SystemInfo struct {
	ViewerCount       int   `json:"viewer_count"`
	GOPBootstrapBytes int64 `json:"gop_bootstrap_bytes"`
	BreakerTripped    bool  `json:"breaker_tripped,omitempty"`
}

// StatusProvider returns the current health status of the encoder.
// The coordinator implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns coordinator-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
	resMonitor  *stream.ResourceMonitor
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, viewer count and GOP bootstrap size are included in /healthz
// responses and /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// WithResourceMonitor attaches a process resource monitor. When set,
// /metrics additionally reports per-service file descriptor, memory, and
// thread counts for every ServiceInfo with a non-zero PID.
func (h *Handler) WithResourceMonitor(m *stream.ResourceMonitor) *Handler {
	h.resMonitor = m
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.BreakerTripped {
			resp.Status = "degraded"
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response. This
// implements a minimal subset of the exposition format without any
// external dependency — no prometheus/client_golang import required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}

	if len(services) > 0 {
		fmt.Fprintln(&sb, "# HELP screencast_encoder_healthy Is the encoder currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_healthy gauge")
		for _, svc := range services {
			v := 0
			if svc.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "screencast_encoder_healthy{name=%q} %d\n", svc.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP screencast_encoder_uptime_seconds Seconds since the encoder last started.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_uptime_seconds gauge")
		for _, svc := range services {
			fmt.Fprintf(&sb, "screencast_encoder_uptime_seconds{name=%q} %.3f\n", svc.Name, svc.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP screencast_encoder_restarts_total Total supervisor restarts for the encoder.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_restarts_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "screencast_encoder_restarts_total{name=%q} %d\n", svc.Name, svc.Restarts)
		}

		fmt.Fprintln(&sb, "# HELP screencast_encoder_failures_total Total encoder-level failures.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_failures_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "screencast_encoder_failures_total{name=%q} %d\n", svc.Name, svc.Failures)
		}
	}

	if h.resMonitor != nil && len(services) > 0 {
		fmt.Fprintln(&sb, "# HELP screencast_encoder_fds Open file descriptors for the encoder process.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_fds gauge")
		fmt.Fprintln(&sb, "# HELP screencast_encoder_memory_bytes Resident memory for the encoder process.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_memory_bytes gauge")
		fmt.Fprintln(&sb, "# HELP screencast_encoder_threads Thread count for the encoder process.")
		fmt.Fprintln(&sb, "# TYPE screencast_encoder_threads gauge")
		for _, svc := range services {
			if svc.PID <= 0 {
				continue
			}
			m, err := h.resMonitor.GetMetrics(svc.PID)
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "screencast_encoder_fds{name=%q} %d\n", svc.Name, m.FileDescriptors)
			fmt.Fprintf(&sb, "screencast_encoder_memory_bytes{name=%q} %d\n", svc.Name, m.MemoryBytes)
			fmt.Fprintf(&sb, "screencast_encoder_threads{name=%q} %d\n", svc.Name, m.ThreadCount)
		}
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP screencast_viewers Current connected viewer count.")
		fmt.Fprintln(&sb, "# TYPE screencast_viewers gauge")
		fmt.Fprintf(&sb, "screencast_viewers %d\n", si.ViewerCount)

		fmt.Fprintln(&sb, "# HELP screencast_gop_bootstrap_bytes Bytes currently held for late-joiner bootstrap.")
		fmt.Fprintln(&sb, "# TYPE screencast_gop_bootstrap_bytes gauge")
		fmt.Fprintf(&sb, "screencast_gop_bootstrap_bytes %d\n", si.GOPBootstrapBytes)

		tripped := 0
		if si.BreakerTripped {
			tripped = 1
		}
		fmt.Fprintln(&sb, "# HELP screencast_breaker_tripped 1 when the crash breaker has tripped.")
		fmt.Fprintln(&sb, "# TYPE screencast_breaker_tripped gauge")
		fmt.Fprintf(&sb, "screencast_breaker_tripped %d\n", tripped)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness. The listener is bound synchronously so a port-in-use error is
// returned immediately instead of surfacing later through ctx.Done(). Once
// bound, the ready channel is closed (if non-nil).
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	// Signal readiness now that we're bound to the port.
	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
