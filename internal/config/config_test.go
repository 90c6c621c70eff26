package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDurationAccessorsFallBackOnEmpty(t *testing.T) {
	cfg := Config{}
	if d := cfg.DispatchTimeoutDuration(); d != 30*time.Second {
		t.Fatalf("expected 30s default, got %v", d)
	}
	if d := cfg.BotResultTTLDuration(); d != 2*time.Minute {
		t.Fatalf("expected 2m default, got %v", d)
	}
}

func TestDurationAccessorsParseConfigured(t *testing.T) {
	cfg := Config{DispatchTimeout: "5s", LongPollTimeout: "1m"}
	if d := cfg.DispatchTimeoutDuration(); d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
	if d := cfg.LongPollTimeoutDuration(); d != time.Minute {
		t.Fatalf("expected 1m, got %v", d)
	}
}

func TestDurationAccessorsIgnoreGarbage(t *testing.T) {
	cfg := Config{DispatchTimeout: "not-a-duration"}
	if d := cfg.DispatchTimeoutDuration(); d != 30*time.Second {
		t.Fatalf("expected fallback on unparseable value, got %v", d)
	}
}

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}

	path, err := Path()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be persisted: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Default()
	cfg.Port = 9999
	cfg.Host = "0.0.0.0"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Port != 9999 || loaded.Host != "0.0.0.0" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadProjectFileMissingIsEmpty(t *testing.T) {
	pf, err := LoadProjectFile(t.TempDir())
	if err != nil {
		t.Fatalf("load project file: %v", err)
	}
	if len(pf.Packages) != 0 {
		t.Fatalf("expected empty project file, got %+v", pf)
	}
}

func TestLoadProjectFileParsesPackages(t *testing.T) {
	dir := t.TempDir()
	data := `{"packages": ["pkg-a", "pkg-b"]}`
	if err := os.WriteFile(filepath.Join(dir, "rbxsync.json"), []byte(data), 0644); err != nil {
		t.Fatalf("write rbxsync.json: %v", err)
	}

	pf, err := LoadProjectFile(dir)
	if err != nil {
		t.Fatalf("load project file: %v", err)
	}
	if len(pf.Packages) != 2 || pf.Packages[0] != "pkg-a" {
		t.Fatalf("unexpected packages: %+v", pf.Packages)
	}
}
