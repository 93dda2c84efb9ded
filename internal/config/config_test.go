package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("LEDGER_TOKEN_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.LedgerTokenSecret != "" {
		t.Fatalf("expected empty LEDGER_TOKEN_SECRET when unset, got %q", cfg.LedgerTokenSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SYNC_INTERVAL_SECONDS", "CONNECTIVITY_PROBE_SECONDS", "TAX_RATE", "TERMINAL_DB_PATH", "LEDGER_TIMEOUT_MS", "REGISTER_ADDR"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.SyncInterval() != 30*time.Second {
		t.Fatalf("expected 30s sync interval, got %s", cfg.SyncInterval())
	}
	if cfg.ProbeInterval() != 5*time.Second {
		t.Fatalf("expected 5s probe interval, got %s", cfg.ProbeInterval())
	}
	if cfg.TaxRate.String() != "0.16" {
		t.Fatalf("expected tax rate 0.16, got %s", cfg.TaxRate)
	}
	if cfg.DBPath != "" {
		t.Fatalf("expected in-memory store by default, got %q", cfg.DBPath)
	}
	if cfg.RegisterAddr != "127.0.0.1:8081" {
		t.Fatalf("expected register API on loopback, got %q", cfg.RegisterAddr)
	}
	if cfg.LedgerTimeout() != 8*time.Second {
		t.Fatalf("expected 8s ledger timeout, got %s", cfg.LedgerTimeout())
	}
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_SECONDS", "0")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "many")
	t.Setenv("TAX_RATE", "-0.1")
	t.Setenv("LEDGER_URL", "https://ledger.example.test/ ")

	cfg := Load()
	if cfg.SyncIntervalSeconds != 30 {
		t.Fatalf("expected fallback sync interval, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("expected fallback breaker threshold, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.TaxRate.String() != "0.16" {
		t.Fatalf("expected fallback tax rate, got %s", cfg.TaxRate)
	}
	if cfg.LedgerURL != "https://ledger.example.test" {
		t.Fatalf("expected trimmed ledger url, got %q", cfg.LedgerURL)
	}
}
