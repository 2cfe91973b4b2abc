package config

import (
	"testing"
	"time"

	"crashgame/internal/game"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "")
	t.Setenv("BETTING_DURATION", "")
	t.Setenv("TICK_INTERVAL", "")
	t.Setenv("RECONCILE_INTERVAL", "")
	t.Setenv("SHUTDOWN_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.Timing.BettingDuration != game.BETTING_TIME {
		t.Errorf("expected betting duration %v, got %v", game.BETTING_TIME, cfg.Timing.BettingDuration)
	}
	if cfg.Timing.TickInterval != game.TICK_INTERVAL {
		t.Errorf("expected tick interval %v, got %v", game.TICK_INTERVAL, cfg.Timing.TickInterval)
	}
	if cfg.ReconcileInterval != game.DEFAULT_RECONCILE_EVERY {
		t.Errorf("expected reconcile interval %v, got %v", game.DEFAULT_RECONCILE_EVERY, cfg.ReconcileInterval)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", cfg.ShutdownTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("BETTING_DURATION", "10s")
	t.Setenv("TICK_INTERVAL", "50ms")
	t.Setenv("LEDGER_TIMEOUT", "bogus")
	t.Setenv("UPSTREAM_ATTEMPTS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.Timing.BettingDuration != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Timing.BettingDuration)
	}
	if cfg.Timing.TickInterval != 50*time.Millisecond {
		t.Errorf("expected 50ms, got %v", cfg.Timing.TickInterval)
	}
	if cfg.LedgerTimeout != game.DEFAULT_LEDGER_TIMEOUT {
		t.Errorf("unparseable value should fall back, got %v", cfg.LedgerTimeout)
	}
	if cfg.UpstreamAttempts != 1 {
		t.Errorf("expected attempts clamped to 1, got %d", cfg.UpstreamAttempts)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}
