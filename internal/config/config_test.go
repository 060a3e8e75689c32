package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("default driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Recognition.Threshold != 0.4 {
		t.Errorf("default threshold = %v, want 0.4", cfg.Recognition.Threshold)
	}
	if cfg.Recognition.LivenessThreshold != 0.3 {
		t.Errorf("default liveness threshold = %v, want 0.3", cfg.Recognition.LivenessThreshold)
	}
	if cfg.Reconcile.Interval != 30*time.Second {
		t.Errorf("default reconcile interval = %v, want 30s", cfg.Reconcile.Interval)
	}
	if cfg.Enroll.Timeout != 60*time.Second {
		t.Errorf("default enroll timeout = %v, want 60s", cfg.Enroll.Timeout)
	}
	if cfg.Enroll.Shots != 2 {
		t.Errorf("default enroll shots = %d, want 2", cfg.Enroll.Shots)
	}
	if !cfg.Recognition.LivenessEnabled() {
		t.Error("liveness should default to enabled")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
database:
  driver: sqlite
  path: /tmp/test.db
recognition:
  threshold: 0.3
  with_liveness: false
enroll:
  shots: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Recognition.Threshold != 0.3 {
		t.Errorf("threshold = %v, want 0.3", cfg.Recognition.Threshold)
	}
	if cfg.Recognition.LivenessEnabled() {
		t.Error("liveness should be disabled")
	}
	if cfg.Enroll.Shots != 3 {
		t.Errorf("shots = %d, want 3", cfg.Enroll.Shots)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FG_SERVER_PORT", "7070")
	t.Setenv("FG_DB_DRIVER", "sqlite")
	t.Setenv("FG_MATCH_THRESHOLD", "0.55")

	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want env override sqlite", cfg.Database.Driver)
	}
	if cfg.Recognition.Threshold != 0.55 {
		t.Errorf("threshold = %v, want env override 0.55", cfg.Recognition.Threshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "fg", User: "u", Password: "p"}
	want := "postgres://u:p@db:5433/fg?sslmode=disable"
	if got := d.PostgresDSN(); got != want {
		t.Errorf("PostgresDSN() = %q, want %q", got, want)
	}

	d.DSN = "postgres://explicit"
	if got := d.PostgresDSN(); got != "postgres://explicit" {
		t.Errorf("explicit DSN not honored, got %q", got)
	}
}
