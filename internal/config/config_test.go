package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost/rxscan_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8000" {
		t.Fatalf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.LookbackDays != 90 {
		t.Fatalf("LookbackDays = %d, want 90", cfg.LookbackDays)
	}
	if cfg.CoverageDaysBack != 365 {
		t.Fatalf("CoverageDaysBack = %d, want 365", cfg.CoverageDaysBack)
	}
	if cfg.MinMargin != 10 || cfg.DMEMinMargin != 3 || cfg.MinClaims != 1 {
		t.Fatalf("scanner defaults: %v %v %v", cfg.MinMargin, cfg.DMEMinMargin, cfg.MinClaims)
	}
	if !cfg.IsDev() {
		t.Fatal("default ENV should be development")
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	setEnv(t, "DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is empty")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost/rxscan_test")
	setEnv(t, "LOOKBACK_DAYS", "30")
	setEnv(t, "MIN_MARGIN", "25.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LookbackDays != 30 {
		t.Fatalf("LookbackDays = %d, want 30", cfg.LookbackDays)
	}
	if cfg.MinMargin != 25.5 {
		t.Fatalf("MinMargin = %v, want 25.5", cfg.MinMargin)
	}
}

func TestLoad_RejectsBadWindow(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost/rxscan_test")
	setEnv(t, "LOOKBACK_DAYS", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative LOOKBACK_DAYS")
	}
}
