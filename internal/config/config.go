package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models northstar.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Requests struct {
		MinPriority int `yaml:"min_priority"`
		MaxPriority int `yaml:"max_priority"`
	} `yaml:"requests"`
	Queues map[string]QueuePolicy `yaml:"queues"`
	Jobs   struct {
		PollInterval       string `yaml:"poll_interval"`
		CompletedRetention string `yaml:"completed_retention"`
		IdempotencyTTL     string `yaml:"idempotency_ttl"`
	} `yaml:"jobs"`
	Audit struct {
		RetentionDays int    `yaml:"retention_days"`
		CleanupEvery  string `yaml:"cleanup_every"`
	} `yaml:"audit"`
}

// QueuePolicy is the default retry policy applied to jobs of a named queue.
type QueuePolicy struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff" enum:"fixed,exponential"`
	Delay       string `yaml:"delay"`
	Concurrency int    `yaml:"concurrency"`
	JobTimeout  string `yaml:"job_timeout"`
}

// Queue names every deployment must configure.
const (
	QueueNotification = "notification"
	QueueMaintenance  = "maintenance"
)

// Load reads and validates config from the workspace, falling back to defaults
// if northstar.yml is absent.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Requests.MinPriority > c.Requests.MaxPriority {
		return fmt.Errorf("config.requests priority bounds inverted")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("config.queues is required")
	}
	for _, name := range []string{QueueNotification, QueueMaintenance} {
		if _, ok := c.Queues[name]; !ok {
			return fmt.Errorf("config.queues must include %s", name)
		}
	}
	for name, q := range c.Queues {
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queue %s max_attempts must be >= 1", name)
		}
		if q.Backoff != "fixed" && q.Backoff != "exponential" {
			return fmt.Errorf("queue %s backoff must be fixed or exponential", name)
		}
		if _, err := time.ParseDuration(q.Delay); err != nil {
			return fmt.Errorf("queue %s delay: %w", name, err)
		}
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %s concurrency must be >= 1", name)
		}
		if q.JobTimeout != "" {
			if _, err := time.ParseDuration(q.JobTimeout); err != nil {
				return fmt.Errorf("queue %s job_timeout: %w", name, err)
			}
		}
	}
	for field, v := range map[string]string{
		"jobs.poll_interval":       c.Jobs.PollInterval,
		"jobs.completed_retention": c.Jobs.CompletedRetention,
		"jobs.idempotency_ttl":     c.Jobs.IdempotencyTTL,
		"audit.cleanup_every":      c.Audit.CleanupEvery,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.%s: %w", field, err)
		}
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("config.audit.retention_days must be >= 1")
	}
	return nil
}

// BackoffDelay returns the parsed base delay for the policy.
func (q QueuePolicy) BackoffDelay() time.Duration {
	d, err := time.ParseDuration(q.Delay)
	if err != nil {
		return 0
	}
	return d
}

// Timeout returns the parsed per-job timeout, or fallback when unset.
func (q QueuePolicy) Timeout(fallback time.Duration) time.Duration {
	if q.JobTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(q.JobTimeout)
	if err != nil {
		return fallback
	}
	return d
}

// PollInterval returns the parsed worker poll interval.
func (c *Config) PollInterval(fallback time.Duration) time.Duration {
	return parseOr(c.Jobs.PollInterval, fallback)
}

// CompletedRetention returns how long completed jobs stay queryable.
func (c *Config) CompletedRetention(fallback time.Duration) time.Duration {
	return parseOr(c.Jobs.CompletedRetention, fallback)
}

// IdempotencyTTL returns the processed-key retention window.
func (c *Config) IdempotencyTTL(fallback time.Duration) time.Duration {
	return parseOr(c.Jobs.IdempotencyTTL, fallback)
}

// AuditCleanupEvery returns the maintenance scheduling interval.
func (c *Config) AuditCleanupEvery(fallback time.Duration) time.Duration {
	return parseOr(c.Audit.CleanupEvery, fallback)
}

func parseOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "northstar.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: northstar

requests:
  min_priority: 0
  max_priority: 5

queues:
  notification:
    max_attempts: 3
    backoff: exponential
    delay: 2s
    concurrency: 5
    job_timeout: 30s

  maintenance:
    max_attempts: 2
    backoff: fixed
    delay: 5s
    concurrency: 1
    job_timeout: 60s

jobs:
  poll_interval: 250ms
  completed_retention: 24h
  idempotency_ttl: 1h

audit:
  retention_days: 30
  cleanup_every: 24h
`
