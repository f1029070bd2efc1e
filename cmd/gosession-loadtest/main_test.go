package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loadtest.yaml")
	if err := os.WriteFile(path, []byte("load:\n  sessions: 3\n  rounds: 2\nredis:\n  prefix: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REDIS_PREFIX", "from-env")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Load.Sessions != 3 || cfg.Load.Rounds != 2 {
		t.Fatalf("expected file values, got %+v", cfg.Load)
	}
	if cfg.Load.Workers != 16 {
		t.Fatalf("expected default workers, got %d", cfg.Load.Workers)
	}
	if cfg.Redis.Prefix != "from-env" {
		t.Fatalf("expected env to override the file, got %q", cfg.Redis.Prefix)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config")
	}
}

func TestRunDetectsNoViolations(t *testing.T) {
	cfg := &Config{
		LogLevel: "error",
		Load: LoadConfig{
			Sessions: 3,
			Workers:  8,
			Requests: 4,
			Rounds:   2,
			Latency:  10 * time.Millisecond,
		},
		Redis: RedisConfig{Prefix: "gs-test", TTL: time.Hour},
	}

	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "round 2: refreshes=3 sessions=3 reuse=0") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("expected version in output, got %q", out.String())
	}
}

func TestRejectsInvalidFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--sessions", "0"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected invalid flag values to fail")
	}
}
