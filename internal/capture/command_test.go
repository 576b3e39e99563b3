// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"strings"
	"testing"

	"github.com/tomtom215/screencast-go/internal/config"
)

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.FFmpeg.BinaryPath = "ffmpeg"
	return cfg
}

func TestFFmpegBuilderArgsScreen(t *testing.T) {
	cfg := newTestConfig()
	cfg.Source = config.SourceConfig{Type: "screen", Display: ":0.0"}

	b := NewFFmpegBuilder(cfg)
	args, err := b.args()
	if err != nil {
		t.Fatalf("args: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f x11grab -i :0.0") {
		t.Errorf("args missing x11grab input, got: %s", joined)
	}
	if !strings.Contains(joined, "-f flv pipe:1") {
		t.Errorf("args missing flv stdout output, got: %s", joined)
	}
	if !strings.Contains(joined, "-an") {
		t.Errorf("args should disable audio for video-only capture, got: %s", joined)
	}
}

func TestFFmpegBuilderArgsWindowRegion(t *testing.T) {
	cfg := newTestConfig()
	cfg.Source = config.SourceConfig{
		Type: "window_region", Display: ":0.0",
		RegionWidth: 1280, RegionHeight: 720, RegionX: 10, RegionY: 20,
	}

	b := NewFFmpegBuilder(cfg)
	args, err := b.args()
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-video_size 1280x720") {
		t.Errorf("args missing region size, got: %s", joined)
	}
	if !strings.Contains(joined, ":0.0+10,20") {
		t.Errorf("args missing region offset, got: %s", joined)
	}
}

func TestFFmpegBuilderArgsWindowRegionRequiresSize(t *testing.T) {
	cfg := newTestConfig()
	cfg.Source = config.SourceConfig{Type: "window_region", Display: ":0.0"}

	b := NewFFmpegBuilder(cfg)
	if _, err := b.args(); err == nil {
		t.Error("expected error for missing region dimensions")
	}
}

func TestFFmpegBuilderArgsWindowResolvesGeometry(t *testing.T) {
	orig := DefaultResolver
	defer func() { DefaultResolver = orig }()
	DefaultResolver = stubResolver(sampleWmctrlOutput, nil)

	cfg := newTestConfig()
	cfg.Source = config.SourceConfig{Type: "window", Display: ":0.0", WindowTitle: "Mozilla Firefox"}

	b := NewFFmpegBuilder(cfg)
	args, err := b.args()
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, ":0.0+100,200") {
		t.Errorf("args missing resolved window offset, got: %s", joined)
	}
}

func TestFFmpegBuilderUnsupportedSourceType(t *testing.T) {
	cfg := newTestConfig()
	cfg.Source = config.SourceConfig{Type: "bogus"}

	b := NewFFmpegBuilder(cfg)
	if _, err := b.args(); err == nil {
		t.Error("expected error for unsupported source type")
	}
}

func TestFFmpegBuilderBuildMissingBinary(t *testing.T) {
	cfg := newTestConfig()
	cfg.FFmpeg.BinaryPath = "definitely-not-a-real-binary-xyz"
	cfg.Source = config.SourceConfig{Type: "screen", Display: ":0.0"}

	b := NewFFmpegBuilder(cfg)
	if _, err := b.Build(context.Background()); err == nil {
		t.Error("expected error when ffmpeg binary is not found")
	}
}
