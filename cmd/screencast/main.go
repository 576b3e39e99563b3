// Package main implements the screencast daemon, the core capture
// streaming service.
//
// screencast is designed for long-lived unattended operation: it starts
// the capture encoder lazily on the first viewer connection, fans its
// FLV byte stream out to every connected WebSocket viewer, and restarts
// the encoder (within a crash budget) if it dies unexpectedly.
//
// Usage:
//
//	screencast [options]
//
// Options:
//
//	--config=PATH      Path to configuration file (default: config/config.json)
//	--list-windows     Enumerate candidate capture sources and exit
//	--diagnose         Run preflight diagnostics and exit
//	--quick            With --diagnose, run only the essential checks
//	--help             Show this help message
//
// Example:
//
//	# Run with default config
//	screencast
//
//	# Run with a specific config file
//	screencast --config=/etc/screencast/config.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/screencast-go/internal/capture"
	"github.com/tomtom215/screencast-go/internal/config"
	"github.com/tomtom215/screencast-go/internal/coordinator"
	"github.com/tomtom215/screencast-go/internal/diagnostics"
	"github.com/tomtom215/screencast-go/internal/health"
	"github.com/tomtom215/screencast-go/internal/lock"
	"github.com/tomtom215/screencast-go/internal/stream"
	"github.com/tomtom215/screencast-go/internal/supervisor"
	"github.com/tomtom215/screencast-go/internal/wsserver"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes, spec.md §6.
const (
	exitClean           = 0
	exitUnexpected      = 1
	exitConfigInvalid   = 2
	exitEncoderNotFound = 3
	exitBreakerTripped  = 4
)

// Command line flags.
var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Path to JSON configuration file")
	listWindows   = flag.Bool("list-windows", false, "Enumerate candidate capture sources and exit")
	diagnose      = flag.Bool("diagnose", false, "Run preflight diagnostics and exit")
	diagnoseQuick = flag.Bool("quick", false, "With --diagnose, run only the essential checks")
	showHelp      = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(exitClean)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("screencast %s (%s) built %s", Version, Commit, BuildTime)

	if *listWindows {
		os.Exit(runListWindows(logger))
	}

	if *diagnose {
		os.Exit(runDiagnose())
	}

	os.Exit(run(logger))
}

// runDiagnose runs the preflight diagnostic suite (internal/diagnostics)
// against the configured listen address and config path, printing a
// human-readable report. It never touches the coordinator or starts the
// encoder.
func runDiagnose() int {
	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	opts := diagnostics.DefaultOptions()
	opts.ConfigPath = *configPath
	opts.ListenHost = cfg.Server.ListenHost
	opts.ListenPort = cfg.Server.ListenPort
	opts.QueueBytes = cfg.Process.ViewerQueueBytes
	opts.LogDir = filepath.Dir(cfg.Logging.File)
	if cfg.Source.WindowTitle != "" {
		opts.SourceWindow = cfg.Source.WindowTitle
	}
	if *diagnoseQuick {
		opts.Mode = diagnostics.ModeQuick
	}

	runner := diagnostics.NewRunner(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnostics: %v\n", err)
		return exitUnexpected
	}

	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		return exitUnexpected
	}
	return exitClean
}

func runListWindows(logger *log.Logger) int {
	windows, err := capture.DefaultResolver.List(context.Background())
	if err != nil {
		logger.Printf("Failed to enumerate windows: %v", err)
		return exitUnexpected
	}
	fmt.Print(capture.ListWindowsText(windows))
	return exitClean
}

func run(logger *log.Logger) int {
	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Printf("Configuration error: %v", err)
		return exitConfigInvalid
	}
	logger.Printf("Loaded configuration from %s", *configPath)

	slogLogger := newSlogLogger(cfg.Logging)

	fileLock, err := acquireDaemonLock(cfg)
	if err != nil {
		logger.Printf("Failed to acquire daemon lock: %v", err)
		return exitUnexpected
	}
	defer fileLock.Release()

	builder := capture.NewFFmpegBuilder(cfg)
	if _, err := exec.LookPath(cfg.FFmpeg.BinaryPath); err != nil {
		logger.Printf("Encoder executable not found: %v", err)
		return exitEncoderNotFound
	}

	coord := coordinator.New(builder, coordinator.Config{
		ShutdownGrace:    cfg.Process.ShutdownGrace(),
		CrashThreshold:   cfg.Process.CrashThreshold,
		CrashWindow:      cfg.Process.CrashWindow(),
		ViewerQueueBytes: cfg.Process.ViewerQueueBytes,
		StderrLogDir:     filepath.Dir(cfg.Logging.File),
	}, slogLogger)

	mux := http.NewServeMux()
	resMonitor := stream.NewResourceMonitor()
	healthHandler := health.NewHandler(coord).WithSystemInfo(coord).WithResourceMonitor(resMonitor)
	mux.Handle("/healthz", healthHandler)
	mux.Handle("/metrics", healthHandler)
	mux.Handle("/", wsserver.NewHandler(coord, slogLogger))

	addr := net.JoinHostPort(cfg.Server.ListenHost, strconv.Itoa(cfg.Server.ListenPort))

	sup := supervisor.New(supervisor.Config{
		Name:            "screencast",
		ShutdownTimeout: cfg.Process.ShutdownGrace(),
		Logger:          slogLogger,
	})
	if err := sup.Add(&httpService{addr: addr, mux: mux, logger: slogLogger}); err != nil {
		logger.Printf("Failed to register HTTP service: %v", err)
		return exitUnexpected
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Printf("Listening on %s", addr)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("Supervisor error: %v", err)
	}

	faulted := coord.State() == coordinator.Faulted

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Process.ShutdownGrace())
	defer shutdownCancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Coordinator shutdown error: %v", err)
	}

	if faulted {
		return exitBreakerTripped
	}

	logger.Println("Shutdown complete")
	return exitClean
}

// httpService wraps the combined viewer/health HTTP server as a
// supervisor.Service, letting the supervisor restart it after an error
// return or an unexpected panic, as it does any other registered service.
type httpService struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger
}

func (s *httpService) Name() string { return "http" }

func (s *httpService) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: wsserver.HandshakeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// loadConfiguration loads the config file, falling back to defaults if it
// doesn't exist yet, matching the teacher's "no config file yet" startup
// path.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}

	kc, err := config.NewKoanfConfig(config.WithJSONFile(path))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

// newSlogLogger builds the structured logger used by library packages,
// honoring the config file's logging{} block and the LOG_LEVEL env
// override (spec.md §6).
func newSlogLogger(cfg config.LoggingConfig) *slog.Logger {
	level := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}

	out := os.Stderr
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			out = f
		}
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseSlogLevel(level)}))
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARNING", "warning", "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error", "CRITICAL", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// acquireDaemonLock ensures only one screencast instance serves a given
// listen address at a time, repurposing the teacher's per-device flock
// (internal/lock) to a per-listen-address lock.
func acquireDaemonLock(cfg *config.Config) (*lock.FileLock, error) {
	addr := net.JoinHostPort(cfg.Server.ListenHost, strconv.Itoa(cfg.Server.ListenPort))
	path := fmt.Sprintf("/tmp/screencast-%s.lock", sanitizeLockName(addr))

	fl, err := lock.NewFileLock(path)
	if err != nil {
		return nil, err
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return nil, fmt.Errorf("another screencast instance is already serving %s: %w", addr, err)
	}
	return fl, nil
}

func sanitizeLockName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == ':' || c == '/' {
			b[i] = '_'
		}
	}
	return string(b)
}

func printUsage() {
	fmt.Println("screencast - screen/window capture streaming daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: screencast [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon starts the capture encoder on the first viewer connection")
	fmt.Println("and serves the FLV byte stream over WebSocket to every connected viewer.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
