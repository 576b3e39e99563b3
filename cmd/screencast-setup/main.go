// Package main implements screencast-setup, an interactive configuration
// wizard and operator CLI for the screencast daemon.
//
// Usage:
//
//	screencast-setup [command] [flags]
//
// Commands:
//
//	menu              Launch the interactive TUI menu (default)
//	wizard            Run the guided first-time setup wizard
//	source            Set the capture source (--type, --title, --class)
//	quality            Set the encoder quality preset (--tier)
//	validate          Validate the configuration file
//	init              Write a fresh default configuration file
//	status            Query a running daemon's /healthz endpoint
//	viewers           Show the connected viewer count
//	backups           List or restore configuration backups
//	version           Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tomtom215/screencast-go/internal/capture"
	"github.com/tomtom215/screencast-go/internal/config"
	"github.com/tomtom215/screencast-go/internal/health"
	"github.com/tomtom215/screencast-go/internal/menu"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const exitError = 1

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runMenu()
	}

	switch args[0] {
	case "menu":
		return runMenu()
	case "wizard":
		return runWizard(args[1:])
	case "source":
		return runSource(args[1:])
	case "quality":
		return runQuality(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "init":
		return runInit(args[1:])
	case "status":
		return runStatus(args[1:])
	case "viewers":
		return runViewers(args[1:])
	case "backups":
		return runBackups(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("screencast-setup %s (%s)\n", Version, Commit)
		return nil
	case "help", "--help", "-h":
		return runHelp()
	default:
		return fmt.Errorf("unknown command %q (see --help)", args[0])
	}
}

func runHelp() error {
	fmt.Println("screencast-setup - configuration wizard for the screencast daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  menu      Launch the interactive TUI menu (default)")
	fmt.Println("  wizard    Run the guided first-time setup wizard")
	fmt.Println("  source    Set the capture source")
	fmt.Println("  quality   Set the encoder quality preset")
	fmt.Println("  validate  Validate the configuration file")
	fmt.Println("  init      Write a fresh default configuration file")
	fmt.Println("  status    Query a running daemon's /healthz endpoint")
	fmt.Println("  viewers   Show the connected viewer count")
	fmt.Println("  backups   List or restore configuration backups")
	return nil
}

// runMenu launches the interactive management menu.
func runMenu() error {
	m := menu.CreateMainMenu()
	return m.Display()
}

// runWizard walks a first-time operator through prerequisites, source
// selection, and quality, writing config/config.json at the end.
func runWizard(args []string) error {
	fmt.Println("screencast Setup Wizard")
	fmt.Println("========================")
	fmt.Println()

	fmt.Println("Step 1: Checking prerequisites...")
	ok := true
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		fmt.Println("  [!] ffmpeg not found - required for encoding")
		ok = false
	} else {
		fmt.Println("  [✓] ffmpeg installed")
	}
	if _, err := exec.LookPath("wmctrl"); err != nil {
		fmt.Println("  [!] wmctrl not found - required for window/region sources")
	} else {
		fmt.Println("  [✓] wmctrl installed")
	}
	if !ok && !menu.Confirm(os.Stdin, os.Stdout, "Continue without ffmpeg?") {
		return fmt.Errorf("setup cancelled - install ffmpeg first")
	}
	fmt.Println()

	fmt.Println("Step 2: Capture source")
	cfg := config.DefaultConfig()
	choice := menu.Select(os.Stdin, os.Stdout, "Select a capture source", []string{"Full screen", "A specific window"})
	if choice == 1 {
		windows, err := capture.DefaultResolver.List(context.Background())
		if err == nil && len(windows) > 0 {
			var titles []string
			for _, w := range windows {
				titles = append(titles, w.Title)
			}
			wi := menu.Select(os.Stdin, os.Stdout, "Select a window", titles)
			if wi >= 0 {
				cfg.Source.Type = "window"
				cfg.Source.WindowTitle = windows[wi].Title
			}
		} else {
			title := menu.Input(os.Stdin, os.Stdout, "Window title")
			cfg.Source.Type = "window"
			cfg.Source.WindowTitle = title
		}
	} else {
		cfg.Source.Type = "screen"
	}
	fmt.Println()

	fmt.Println("Step 3: Quality preset")
	qchoice := menu.Select(os.Stdin, os.Stdout, "Select encoder quality", []string{"low", "normal", "high"})
	tiers := []string{"low", "normal", "high"}
	tier := "normal"
	if qchoice >= 0 {
		tier = tiers[qchoice]
	}
	preset := capture.Preset(capture.QualityTier(tier))
	cfg.FFmpeg.Quality = tier
	cfg.FFmpeg.Bitrate = preset.Bitrate
	cfg.FFmpeg.Preset = preset.Preset
	cfg.FFmpeg.Tune = preset.Tune
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}
	if err := cfg.Save(config.DefaultConfigPath); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", config.DefaultConfigPath)
	return nil
}

func runSource(args []string) error {
	cfg, err := loadOrDefault()
	if err != nil {
		return err
	}

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--type="):
			cfg.Source.Type = strings.TrimPrefix(arg, "--type=")
		case strings.HasPrefix(arg, "--title="):
			cfg.Source.WindowTitle = strings.TrimPrefix(arg, "--title=")
		case strings.HasPrefix(arg, "--class="):
			cfg.Source.WindowClass = strings.TrimPrefix(arg, "--class=")
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid source configuration: %w", err)
	}
	if err := saveWithBackup(cfg, config.DefaultConfigPath); err != nil {
		return err
	}
	fmt.Printf("Source set to %s\n", cfg.Source.Type)
	return nil
}

func runQuality(args []string) error {
	cfg, err := loadOrDefault()
	if err != nil {
		return err
	}

	tier := "normal"
	for _, arg := range args {
		if strings.HasPrefix(arg, "--tier=") {
			tier = strings.TrimPrefix(arg, "--tier=")
		}
	}

	qt, err := capture.ParseQualityTier(tier)
	if err != nil {
		return err
	}
	preset := capture.Preset(qt)
	cfg.FFmpeg.Quality = string(qt)
	cfg.FFmpeg.Bitrate = preset.Bitrate
	cfg.FFmpeg.Preset = preset.Preset
	cfg.FFmpeg.Tune = preset.Tune

	if err := saveWithBackup(cfg, config.DefaultConfigPath); err != nil {
		return err
	}
	fmt.Printf("Quality set to %s (%s, preset=%s, tune=%s)\n", tier, preset.Bitrate, preset.Preset, preset.Tune)
	return nil
}

// saveWithBackup saves cfg to path, first snapshotting any existing file to
// config.GetBackupDir(path) so a bad --source/--quality edit can be
// recovered with config.RestoreBackup.
func saveWithBackup(cfg *config.Config, path string) error {
	if _, err := os.Stat(path); err == nil {
		if _, err := config.BackupConfig(path, config.GetBackupDir(path)); err != nil {
			return fmt.Errorf("backing up existing config: %w", err)
		}
	}
	return cfg.Save(path)
}

func runValidate(args []string) error {
	path := config.DefaultConfigPath
	for _, arg := range args {
		if strings.HasPrefix(arg, "--config=") {
			path = strings.TrimPrefix(arg, "--config=")
		}
	}

	fmt.Printf("Validating configuration: %s\n\n", path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	fmt.Printf("✓ Listening on %s:%d\n", cfg.Server.ListenHost, cfg.Server.ListenPort)
	fmt.Printf("✓ Source: %s\n", cfg.Source.Type)
	return nil
}

func runInit(args []string) error {
	path := config.DefaultConfigPath
	force := false
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case arg == "--force":
			force = true
		}
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := saveWithBackup(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

// runBackups lists configuration backups, or restores one when invoked as
// "backups restore <path>".
func runBackups(args []string) error {
	path := config.DefaultConfigPath
	backupDir := config.GetBackupDir(path)

	if len(args) > 0 && args[0] == "restore" {
		if len(args) < 2 {
			return fmt.Errorf("usage: screencast-setup backups restore <backup-path>")
		}
		prev, err := config.RestoreBackup(args[1], path, backupDir)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s from %s\n", path, args[1])
		if prev != "" {
			fmt.Printf("Previous configuration saved to %s\n", prev)
		}
		return nil
	}

	backups, err := config.ListBackups(backupDir, "")
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Printf("No backups found in %s\n", backupDir)
		return nil
	}
	for _, b := range backups {
		fmt.Printf("%s  %s\n", b.Timestamp.Format(time.RFC3339), b.Path)
	}
	return nil
}

func runStatus(args []string) error {
	addr := "127.0.0.1:8080"
	for _, arg := range args {
		if strings.HasPrefix(arg, "--addr=") {
			addr = strings.TrimPrefix(arg, "--addr=")
		}
	}

	resp, err := fetchHealth(addr)
	if err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", resp.Status)
	for _, svc := range resp.Services {
		fmt.Printf("  %s: %s (healthy=%v, restarts=%d)\n", svc.Name, svc.State, svc.Healthy, svc.Restarts)
	}
	if resp.System != nil {
		fmt.Printf("  viewers: %d\n", resp.System.ViewerCount)
		fmt.Printf("  bootstrap bytes: %d\n", resp.System.GOPBootstrapBytes)
	}
	return nil
}

func runViewers(args []string) error {
	addr := "127.0.0.1:8080"
	for _, arg := range args {
		if strings.HasPrefix(arg, "--addr=") {
			addr = strings.TrimPrefix(arg, "--addr=")
		}
	}

	resp, err := fetchHealth(addr)
	if err != nil {
		return err
	}
	if resp.System == nil {
		fmt.Println("0 viewers connected")
		return nil
	}
	fmt.Printf("%d viewer(s) connected\n", resp.System.ViewerCount)
	return nil
}

func fetchHealth(addr string) (*health.Response, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	r, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer func() { _ = r.Body.Close() }()

	var resp health.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding /healthz response: %w", err)
	}
	return &resp, nil
}

func loadOrDefault() (*config.Config, error) {
	if _, err := os.Stat(config.DefaultConfigPath); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(config.DefaultConfigPath)
}
