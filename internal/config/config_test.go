package config

import (
	"strings"
	"testing"
	"time"
)

func TestReplicationDefaults(t *testing.T) {
	cfg, err := LoadReplication()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxErrorCount != 4 || cfg.IAmInterval != 0.5 || cfg.DeltaFrames {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if def := DefaultReplication(); def != cfg {
		t.Fatalf("expected DefaultReplication to match env defaults, got %+v", def)
	}
}

func TestReplicationOverride(t *testing.T) {
	t.Setenv("GHOST_MAX_ERROR_COUNT", "7")
	t.Setenv("GHOST_DELTA_FRAMES", "true")
	cfg, err := LoadReplication()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxErrorCount != 7 || !cfg.DeltaFrames {
		t.Fatalf("expected overrides, got %+v", cfg)
	}
}

func TestReplicationValidate(t *testing.T) {
	t.Setenv("GHOST_FAR_INTERVAL", "0.01")
	if _, err := LoadReplication(); err == nil {
		t.Fatalf("expected far < near to be rejected")
	}
}

func TestNodeEnv(t *testing.T) {
	t.Setenv("GHOST_PEERS", "127.0.0.1:1,127.0.0.1:2")
	t.Setenv("GHOST_TICK_HZ", "20")
	cfg, err := LoadNode()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "127.0.0.1:2" {
		t.Fatalf("unexpected peers %v", cfg.Peers)
	}
	if cfg.TickInterval() != 50*time.Millisecond {
		t.Fatalf("expected 50ms tick, got %v", cfg.TickInterval())
	}
	if cfg.MetricsInterval != 5*time.Second {
		t.Fatalf("expected default metrics interval, got %v", cfg.MetricsInterval)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("GHOST_TICK_HZ", "fast")
	_, err := LoadNode()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
