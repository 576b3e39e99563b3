// SPDX-License-Identifier: MIT

// Package capture builds the encoder command line and enumerates capture
// sources for the screencast daemon. It is the CommandBuilder
// collaborator spec.md §1 describes as external to the coordinator: the
// coordinator only ever sees encoder.CommandBuilder's Build method.
//
// Grounded on the teacher's buildFFmpegCommand (stream/manager.go):
// the same "assemble an *exec.Cmd from a config struct, one flag group
// at a time" shape, translated from ALSA audio capture/RTSP egress to
// X11 screen/window capture with FLV piped to stdout.
package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/tomtom215/screencast-go/internal/config"
)

// FFmpegBuilder builds the ffmpeg argv for one encoder run from a
// config.Config. It implements encoder.CommandBuilder.
type FFmpegBuilder struct {
	Cfg *config.Config
}

// NewFFmpegBuilder creates a CommandBuilder bound to cfg. Cfg is read at
// Build time, so config reloads (not currently supported, see
// DESIGN.md) would be picked up automatically if they ever were.
func NewFFmpegBuilder(cfg *config.Config) *FFmpegBuilder {
	return &FFmpegBuilder{Cfg: cfg}
}

// Build constructs the *exec.Cmd for one encoder run. FFmpeg writes the
// FLV container to stdout (pipe:1); stderr is left for diagnostics.
func (b *FFmpegBuilder) Build(ctx context.Context) (*exec.Cmd, error) {
	binary := b.Cfg.FFmpeg.BinaryPath
	if binary == "" {
		binary = "ffmpeg"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("capture: ffmpeg binary %q not found: %w", binary, err)
	}

	args, err := b.args()
	if err != nil {
		return nil, err
	}

	// #nosec G204 - args are built entirely from validated configuration
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd, nil
}

// args assembles the ffmpeg argument vector: input (source selection),
// encode tunables, and FLV-over-stdout output.
func (b *FFmpegBuilder) args() ([]string, error) {
	src := b.Cfg.Source
	ff := b.Cfg.FFmpeg

	args := []string{"-hide_banner", "-loglevel", "warning", "-y"}

	inputArgs, err := inputArgsFor(src)
	if err != nil {
		return nil, err
	}
	args = append(args, inputArgs...)

	args = append(args,
		"-c:v", videoCodecFor(ff.Preset),
		"-preset", orDefault(ff.Preset, "veryfast"),
		"-tune", orDefault(ff.Tune, "zerolatency"),
		"-b:v", orDefault(ff.Bitrate, "2500k"),
		"-r", strconv.Itoa(orDefaultInt(ff.Framerate, 30)),
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(2*orDefaultInt(ff.Framerate, 30)),
	)

	// FLV container, no audio, muxed to stdout for the Process Supervisor
	// to read as the raw byte stream the GOP Buffer parses (spec.md §4.3).
	args = append(args, "-an", "-f", "flv", "pipe:1")

	return args, nil
}

// inputArgsFor selects the x11grab input for screen, window, or region
// capture per spec.md §6's source.type enumeration.
func inputArgsFor(src config.SourceConfig) ([]string, error) {
	display := src.Display
	if display == "" {
		display = ":0.0"
	}

	switch src.Type {
	case "screen":
		return []string{"-f", "x11grab", "-i", display}, nil

	case "window", "window_bg":
		geom, err := windowGeometry(src)
		if err != nil {
			return nil, err
		}
		return []string{"-f", "x11grab", "-i", display + geom}, nil

	case "window_region":
		if src.RegionWidth <= 0 || src.RegionHeight <= 0 {
			return nil, fmt.Errorf("capture: window_region requires positive region_width/region_height")
		}
		geom := fmt.Sprintf("+%d,%d", src.RegionX, src.RegionY)
		args := []string{
			"-f", "x11grab",
			"-video_size", fmt.Sprintf("%dx%d", src.RegionWidth, src.RegionHeight),
			"-i", display + geom,
		}
		return args, nil

	default:
		return nil, fmt.Errorf("capture: unsupported source.type %q", src.Type)
	}
}

// windowGeometry resolves a window_title/window_class selector to the
// x11grab "+x,y" offset suffix by looking the window up via the Resolver
// (see windows.go). If the window cannot be resolved it returns an error;
// there is no fallback to the whole display.
func windowGeometry(src config.SourceConfig) (string, error) {
	win, err := DefaultResolver.Find(src.WindowTitle, src.WindowClass)
	if err != nil {
		return "", fmt.Errorf("capture: resolving window %q/%q: %w", src.WindowTitle, src.WindowClass, err)
	}
	return fmt.Sprintf("+%d,%d", win.X, win.Y), nil
}

func videoCodecFor(preset string) string {
	// libx264 covers every preset tier quality.go's QualityTier table
	// defines; presets differ only in the -preset/-tune values above.
	return "libx264"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
