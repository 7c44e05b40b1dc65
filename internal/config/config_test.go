package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.StageMaxRetries != 3 {
		t.Fatalf("expected 3 stage retries, got %d", cfg.StageMaxRetries)
	}
	if cfg.StageRetryBaseDelay != time.Second {
		t.Fatalf("expected 1s base delay, got %s", cfg.StageRetryBaseDelay)
	}
	if cfg.StageTimeout != 30*time.Second {
		t.Fatalf("expected 30s stage timeout, got %s", cfg.StageTimeout)
	}
	if cfg.RecoveryGracePeriod != 5*time.Minute {
		t.Fatalf("expected 5m grace period, got %s", cfg.RecoveryGracePeriod)
	}
	if cfg.WebhookTimeout != 10*time.Second {
		t.Fatalf("expected 10s webhook timeout, got %s", cfg.WebhookTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STAGE_MAX_RETRIES", "5")
	t.Setenv("STAGE_TIMEOUT", "2s")
	t.Setenv("PRIORITY_QUEUES", "urgent, ,default")
	t.Setenv("NOTIFY_FAILURES", "false")

	cfg := Load()
	if cfg.StageMaxRetries != 5 {
		t.Fatalf("expected override 5, got %d", cfg.StageMaxRetries)
	}
	if cfg.StageTimeout != 2*time.Second {
		t.Fatalf("expected 2s, got %s", cfg.StageTimeout)
	}
	if len(cfg.PriorityQueues) != 2 || cfg.PriorityQueues[0] != "urgent" {
		t.Fatalf("unexpected priority queues %v", cfg.PriorityQueues)
	}
	if cfg.NotifyFailures {
		t.Fatalf("expected notify failures disabled")
	}
}

func TestAllowsExtension(t *testing.T) {
	cfg := Config{SupportedFileTypes: []string{".pdf", ".PNG"}}
	if !cfg.AllowsExtension(".png") {
		t.Fatalf("expected .png allowed")
	}
	if cfg.AllowsExtension(".exe") {
		t.Fatalf("expected .exe rejected")
	}
}
