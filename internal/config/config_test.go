// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should be valid, got: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Process.ShutdownGraceSeconds != 30 {
		t.Errorf("ShutdownGraceSeconds = %d, want 30", cfg.Process.ShutdownGraceSeconds)
	}
	if cfg.Process.CrashThreshold != 3 {
		t.Errorf("CrashThreshold = %d, want 3", cfg.Process.CrashThreshold)
	}
	if cfg.Process.CrashWindowSeconds != 60 {
		t.Errorf("CrashWindowSeconds = %d, want 60", cfg.Process.CrashWindowSeconds)
	}
	if cfg.Process.ShutdownGrace().Seconds() != 30 {
		t.Errorf("ShutdownGrace() = %v, want 30s", cfg.Process.ShutdownGrace())
	}
	if cfg.Process.CrashWindow().Seconds() != 60 {
		t.Errorf("CrashWindow() = %v, want 60s", cfg.Process.CrashWindow())
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Server.ListenPort = 9090
	cfg.Source.Type = "window"
	cfg.Source.WindowTitle = "My App"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if loaded.Server.ListenPort != 9090 {
		t.Errorf("ListenPort = %d, want 9090", loaded.Server.ListenPort)
	}
	if loaded.Source.WindowTitle != "My App" {
		t.Errorf("WindowTitle = %q, want %q", loaded.Source.WindowTitle, "My App")
	}
}

func TestLoadConfigUnknownTopLevelKey(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	content := `{"server":{"listen_host":"0.0.0.0","listen_port":8080},"bogus":{}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown top-level key")
	}
}

func TestLoadConfigUnknownNestedKey(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	content := `{"server":{"listen_host":"0.0.0.0","listen_port":8080,"timeout":5}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown nested key")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateRejectsBadListenPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ListenPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for listen_port=0")
	}

	cfg.Server.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for listen_port > 65535")
	}
}

func TestValidateRejectsBadSourceType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.Type = "not_a_real_type"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid source.type")
	}
}

func TestValidateRequiresWindowSelectorForWindowSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.Type = "window"
	cfg.Source.WindowTitle = ""
	cfg.Source.WindowClass = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when source.type=window has no title/class")
	}
}

func TestValidateRequiresRegionDimensionsForWindowRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source.Type = "window_region"
	cfg.Source.WindowTitle = "x"
	cfg.Source.RegionWidth = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when source.type=window_region has no dimensions")
	}
}

func TestValidateRejectsNonPositiveProcessTunables(t *testing.T) {
	tests := []func(*Config){
		func(c *Config) { c.Process.ShutdownGraceSeconds = 0 },
		func(c *Config) { c.Process.CrashThreshold = 0 },
		func(c *Config) { c.Process.CrashWindowSeconds = 0 },
		func(c *Config) { c.Process.ViewerQueueBytes = -1 },
	}
	for i, mutate := range tests {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSaveAtomicCreateTempFailure(t *testing.T) {
	cfg := DefaultConfig()
	boom := func(dir, pattern string) (atomicFile, error) {
		return nil, os.ErrPermission
	}
	if err := cfg.saveWith(filepath.Join(t.TempDir(), "config.json"), boom); err == nil {
		t.Error("expected error when temp file creation fails")
	}
}
