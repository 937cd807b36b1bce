package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	ddlDir := t.TempDir()
	insertDir := t.TempDir()

	overrides := map[string]any{
		"ddl-directory":    ddlDir,
		"insert-directory": insertDir,
		"dsn":              "postgres://localhost/db",
	}

	cfg, err := Load("", overrides)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stage != StageProd {
		t.Errorf("expected default stage prod, got %v", cfg.Stage)
	}
	if cfg.Concurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.Concurrency)
	}
	if cfg.CacheDuration != 6*time.Hour {
		t.Errorf("expected default cache duration 6h, got %v", cfg.CacheDuration)
	}
	if cfg.IncrementalIntervalDays != 14 {
		t.Errorf("expected default interval 14 days, got %d", cfg.IncrementalIntervalDays)
	}
}

func TestLoadMissingDSN(t *testing.T) {
	overrides := map[string]any{
		"ddl-directory":    t.TempDir(),
		"insert-directory": t.TempDir(),
	}
	if _, err := Load("", overrides); err != ErrMissingDSN {
		t.Fatalf("expected ErrMissingDSN, got %v", err)
	}
}

func TestLoadDevStageRequiresDevSchema(t *testing.T) {
	overrides := map[string]any{
		"ddl-directory":    t.TempDir(),
		"insert-directory": t.TempDir(),
		"dsn":              "postgres://localhost/db",
		"stage":            "dev",
	}
	if _, err := Load("", overrides); err != ErrMissingDevSchema {
		t.Fatalf("expected ErrMissingDevSchema, got %v", err)
	}
}

func TestLoadInvalidConcurrency(t *testing.T) {
	overrides := map[string]any{
		"ddl-directory":    t.TempDir(),
		"insert-directory": t.TempDir(),
		"dsn":              "postgres://localhost/db",
		"concurrency":      0,
	}
	if _, err := Load("", overrides); err != ErrInvalidConcurrency {
		t.Fatalf("expected ErrInvalidConcurrency, got %v", err)
	}
}

func TestLoadMissingDDLDirectory(t *testing.T) {
	overrides := map[string]any{
		"ddl-directory":    "/nonexistent/path/for/sure",
		"insert-directory": t.TempDir(),
		"dsn":              "postgres://localhost/db",
	}
	if _, err := Load("", overrides); err != ErrMissingDDLDirectory {
		t.Fatalf("expected ErrMissingDDLDirectory, got %v", err)
	}
}

func TestLoadBindsDashedEnvVars(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()

	t.Setenv("SQL_SCHEDULER_DDL_DIRECTORY", ddlDir)
	t.Setenv("SQL_SCHEDULER_INSERT_DIRECTORY", insertDir)
	t.Setenv("SQL_SCHEDULER_DSN", "postgres://localhost/db")
	t.Setenv("SQL_SCHEDULER_DEV_SCHEMA", "dev_overlay")
	t.Setenv("SQL_SCHEDULER_SIMPLE_OUTPUT", "true")
	t.Setenv("SQL_SCHEDULER_CACHE_DURATION", "60")
	t.Setenv("SQL_SCHEDULER_INCREMENTAL_INTERVAL", "7")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DDLDirectory != ddlDir {
		t.Errorf("DDLDirectory = %q, want %q", cfg.DDLDirectory, ddlDir)
	}
	if cfg.InsertDirectory != insertDir {
		t.Errorf("InsertDirectory = %q, want %q", cfg.InsertDirectory, insertDir)
	}
	if cfg.DevSchema != "dev_overlay" {
		t.Errorf("DevSchema = %q, want dev_overlay", cfg.DevSchema)
	}
	if !cfg.SimpleOutput {
		t.Errorf("expected SimpleOutput to be true from SQL_SCHEDULER_SIMPLE_OUTPUT")
	}
	if cfg.CacheDuration != 60*time.Second {
		t.Errorf("CacheDuration = %v, want 60s", cfg.CacheDuration)
	}
	if cfg.IncrementalIntervalDays != 7 {
		t.Errorf("IncrementalIntervalDays = %d, want 7", cfg.IncrementalIntervalDays)
	}
}

func TestDefaultIncrementalInterval(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	cfg, err := Load("", map[string]any{
		"ddl-directory":    ddlDir,
		"insert-directory": insertDir,
		"dsn":              "postgres://localhost/db",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	start, end := cfg.DefaultIncrementalInterval(now)

	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	wantEnd := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}
