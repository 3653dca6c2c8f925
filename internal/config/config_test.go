package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.BackfillWindow != 24*time.Hour {
		t.Errorf("BackfillWindow = %v, want 24h", cfg.BackfillWindow)
	}
	if cfg.IdleMax != 28*time.Minute {
		t.Errorf("IdleMax = %v, want 28m", cfg.IdleMax)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", cfg.ConnectTimeout)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want 30s", cfg.FetchTimeout)
	}
	if cfg.RetryBase != 5*time.Second {
		t.Errorf("RetryBase = %v, want 5s", cfg.RetryBase)
	}
	if cfg.RetryCap != 60*time.Second {
		t.Errorf("RetryCap = %v, want 60s", cfg.RetryCap)
	}
	if cfg.WSHeartbeat != 30*time.Second {
		t.Errorf("WSHeartbeat = %v, want 30s", cfg.WSHeartbeat)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Errorf("WSWriteTimeout = %v, want 5s", cfg.WSWriteTimeout)
	}
	if cfg.SessionQueue != 256 {
		t.Errorf("SessionQueue = %d, want 256", cfg.SessionQueue)
	}
	if cfg.ShutdownDeadline != 10*time.Second {
		t.Errorf("ShutdownDeadline = %v, want 10s", cfg.ShutdownDeadline)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKFILL_WINDOW", "48h")
	t.Setenv("IDLE_MAX", "10m")
	t.Setenv("SESSION_QUEUE", "32")
	t.Setenv("INSECURE_TLS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BackfillWindow != 48*time.Hour {
		t.Errorf("BackfillWindow = %v, want 48h", cfg.BackfillWindow)
	}
	if cfg.IdleMax != 10*time.Minute {
		t.Errorf("IdleMax = %v, want 10m", cfg.IdleMax)
	}
	if cfg.SessionQueue != 32 {
		t.Errorf("SessionQueue = %d, want 32", cfg.SessionQueue)
	}
	if !cfg.InsecureTLS {
		t.Error("InsecureTLS not set")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("IDLE_MAX", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed IDLE_MAX")
	}
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	t.Setenv("SESSION_QUEUE", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed SESSION_QUEUE")
	}
}
