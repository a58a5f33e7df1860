package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Daemon.RefreshRate != 10*time.Second {
		t.Errorf("Expected refresh rate 10s, got %v", cfg.Daemon.RefreshRate)
	}
	if len(cfg.Icons.Priority) != 4 {
		t.Errorf("Expected 4 priority glyphs, got %d", len(cfg.Icons.Priority))
	}
	if len(cfg.Events.Reminders) != 1 || cfg.Events.Reminders[0].Minutes != 300 {
		t.Errorf("Expected default popup reminder of 300 minutes, got %+v", cfg.Events.Reminders)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database: /tmp/todocal-test.db
timezone: Europe/Paris
daemon:
  refresh_rate: 30s
  conn_err_delay: 2m
projects:
  excluded: [Someday]
  standalone: [Errands]
icons:
  labels:
    - label: phone
      icon: "📞"
  parser:
    - name: general
      rules:
        - icon: "🏋"
          keywords: [gym, workout]
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database != "/tmp/todocal-test.db" {
		t.Errorf("Expected database override, got %s", cfg.Database)
	}
	if cfg.Daemon.RefreshRate != 30*time.Second {
		t.Errorf("Expected refresh rate 30s, got %v", cfg.Daemon.RefreshRate)
	}
	if cfg.Daemon.ConnErrDelay != 2*time.Minute {
		t.Errorf("Expected conn error delay 2m, got %v", cfg.Daemon.ConnErrDelay)
	}
	if cfg.Daemon.QuotaPause != 24*time.Hour {
		t.Errorf("Expected default quota pause to survive, got %v", cfg.Daemon.QuotaPause)
	}
	if !cfg.IsExcluded("someday") || cfg.IsExcluded("Errands") {
		t.Errorf("Unexpected exclusion lookup result for %v", cfg.Projects.Excluded)
	}
	if !cfg.IsStandalone("Errands") {
		t.Errorf("Expected Errands to be standalone")
	}
	if len(cfg.Icons.Parser) != 1 || cfg.Icons.Parser[0].Rules[0].Icon != "🏋" {
		t.Errorf("Expected one parser category, got %+v", cfg.Icons.Parser)
	}
	if cfg.Icons.Basic.Overdue == "" {
		t.Errorf("Expected default overdue icon to survive a partial icons block")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Icons.Priority = []string{"a", "b"}
	cfg.Retry.MaxAttempts = 0
	cfg.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected validation error, got nil")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Projects.Excluded = []string{"Archive"}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.IsExcluded("Archive") {
		t.Errorf("Expected Archive to be excluded after reload, got %v", loaded.Projects.Excluded)
	}
	if loaded.Daemon.ActivityDelay != 2*time.Second {
		t.Errorf("Expected activity delay 2s, got %v", loaded.Daemon.ActivityDelay)
	}
}
