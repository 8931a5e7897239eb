package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"northstar/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Queues[config.QueueNotification]; !ok {
		t.Fatal("default config missing notification queue")
	}
	if _, ok := cfg.Queues[config.QueueMaintenance]; !ok {
		t.Fatal("default config missing maintenance queue")
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "northstar" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := `service:
  name: custom

requests:
  min_priority: 1
  max_priority: 3

queues:
  notification:
    max_attempts: 5
    backoff: exponential
    delay: 1s
    concurrency: 2
  maintenance:
    max_attempts: 1
    backoff: fixed
    delay: 10s
    concurrency: 1

audit:
  retention_days: 7
`
	if err := os.WriteFile(filepath.Join(dir, "northstar.yml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "custom" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
	if cfg.Queues[config.QueueNotification].MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d", cfg.Queues[config.QueueNotification].MaxAttempts)
	}
	if cfg.Audit.RetentionDays != 7 {
		t.Fatalf("retention_days = %d", cfg.Audit.RetentionDays)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing service name", func(c *config.Config) { c.Service.Name = "" }},
		{"inverted priority bounds", func(c *config.Config) { c.Requests.MinPriority = 6 }},
		{"no queues", func(c *config.Config) { c.Queues = nil }},
		{"missing maintenance queue", func(c *config.Config) { delete(c.Queues, config.QueueMaintenance) }},
		{"zero max_attempts", func(c *config.Config) {
			q := c.Queues[config.QueueNotification]
			q.MaxAttempts = 0
			c.Queues[config.QueueNotification] = q
		}},
		{"unknown backoff", func(c *config.Config) {
			q := c.Queues[config.QueueNotification]
			q.Backoff = "jittered"
			c.Queues[config.QueueNotification] = q
		}},
		{"bad delay", func(c *config.Config) {
			q := c.Queues[config.QueueNotification]
			q.Delay = "soon"
			c.Queues[config.QueueNotification] = q
		}},
		{"zero concurrency", func(c *config.Config) {
			q := c.Queues[config.QueueNotification]
			q.Concurrency = 0
			c.Queues[config.QueueNotification] = q
		}},
		{"bad poll interval", func(c *config.Config) { c.Jobs.PollInterval = "often" }},
		{"zero audit retention", func(c *config.Config) { c.Audit.RetentionDays = 0 }},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := config.Default()
	if got := cfg.PollInterval(time.Second); got != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", got)
	}
	if got := cfg.CompletedRetention(0); got != 24*time.Hour {
		t.Fatalf("completed retention = %s", got)
	}
	if got := cfg.IdempotencyTTL(0); got != time.Hour {
		t.Fatalf("idempotency ttl = %s", got)
	}
	if got := cfg.AuditCleanupEvery(0); got != 24*time.Hour {
		t.Fatalf("cleanup every = %s", got)
	}

	cfg.Jobs.PollInterval = ""
	if got := cfg.PollInterval(time.Second); got != time.Second {
		t.Fatalf("fallback poll interval = %s", got)
	}
}

func TestQueuePolicyAccessors(t *testing.T) {
	p := config.QueuePolicy{MaxAttempts: 3, Backoff: "exponential", Delay: "2s"}
	if got := p.BackoffDelay(); got != 2*time.Second {
		t.Fatalf("backoff delay = %s", got)
	}
	if got := p.Timeout(30 * time.Second); got != 30*time.Second {
		t.Fatalf("timeout fallback = %s", got)
	}
	p.JobTimeout = "5s"
	if got := p.Timeout(30 * time.Second); got != 5*time.Second {
		t.Fatalf("timeout = %s", got)
	}
}
