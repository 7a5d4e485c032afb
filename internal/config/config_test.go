package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Duplicates.StructuralThreshold != 0.92 {
		t.Errorf("structural threshold = %v, want 0.92", cfg.Duplicates.StructuralThreshold)
	}
	if got := len(cfg.Matching.Methods); got != 3 {
		t.Fatalf("methods = %d, want 3", got)
	}
	th := cfg.Matching.Thresholds()
	if th["arcface"] != 50 || th["facenet"] != 45 || th["mobileface"] != 45 {
		t.Errorf("unexpected thresholds %v", th)
	}
	if cfg.BestShot.Categories["overall"].Limit != 10 {
		t.Errorf("overall limit = %d, want 10", cfg.BestShot.Categories["overall"].Limit)
	}
	if cfg.BestShot.Categories["accidental"].Limit != 3 {
		t.Errorf("accidental limit = %d, want 3", cfg.BestShot.Categories["accidental"].Limit)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Pipeline.MaxAttempts)
	}
	if !cfg.Pipeline.EnhanceOn() {
		t.Error("enhancement should default to on")
	}
}

func TestLoadKeepsPartialCategoryOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
best_shot:
  categories:
    portrait:
      min_score: 70
duplicates:
  structural_threshold: 0.85
  temporal_window: 10m
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.BestShot.Categories["portrait"]
	if p.MinScore != 70 || p.Limit != 5 {
		t.Errorf("portrait = %+v, want min 70 limit 5", p)
	}
	if cfg.Duplicates.StructuralThreshold != 0.85 {
		t.Errorf("structural threshold = %v", cfg.Duplicates.StructuralThreshold)
	}
	if cfg.Duplicates.TemporalWindow != 10*time.Minute {
		t.Errorf("temporal window = %v", cfg.Duplicates.TemporalWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SNAPFLOW_DB_HOST", "db.internal")
	t.Setenv("SNAPFLOW_WORKER_COUNT", "12")
	t.Setenv("SNAPFLOW_DUPLICATE_THRESHOLD", "0.9")

	cfg, err := Load(writeConfig(t, "database:\n  host: localhost\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("host = %q", cfg.Database.Host)
	}
	if cfg.Pipeline.WorkerCount != 12 {
		t.Errorf("worker count = %d", cfg.Pipeline.WorkerCount)
	}
	if cfg.Duplicates.StructuralThreshold != 0.9 {
		t.Errorf("structural threshold = %v", cfg.Duplicates.StructuralThreshold)
	}
}

func TestValidateRejectsBadMethods(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no primary", `
matching:
  methods:
    - name: mobileface
      threshold: 45
      family: secondary
`},
		{"duplicate name", `
matching:
  methods:
    - name: arcface
      threshold: 50
    - name: arcface
      threshold: 40
`},
		{"threshold out of range", `
matching:
  methods:
    - name: arcface
      threshold: 150
`},
		{"unknown family", `
matching:
  methods:
    - name: arcface
      threshold: 50
      family: tertiary
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5433, Name: "n", User: "u", Password: "p"}
	want := "postgres://u:p@h:5433/n?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
