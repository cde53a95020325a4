// Package config loads the service configuration: a YAML file plus
// environment-variable overrides for secrets and deploy-time values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Commands CommandsConfig `yaml:"commands"`
	Sweeps   SweepsConfig   `yaml:"sweeps"`
	Oasis    OasisConfig    `yaml:"oasis"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// URL empty means the in-memory store; tests and local runs need no
	// Postgres.
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms"`
}

type RedisConfig struct {
	// Addr empty means in-process cache and lease fallbacks.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	// ProjectID empty means the in-process bus only.
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type CommandsConfig struct {
	RetryAttempts       int `yaml:"retry_attempts"`
	RetryBaseBackoffMs  int `yaml:"retry_base_backoff_ms"`
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`
	TentativeTTLDays    int `yaml:"tentative_ttl_days"`
}

func (c CommandsConfig) BaseBackoff() time.Duration {
	return time.Duration(c.RetryBaseBackoffMs) * time.Millisecond
}

func (c CommandsConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c CommandsConfig) TentativeTTL() time.Duration {
	return time.Duration(c.TentativeTTLDays) * 24 * time.Hour
}

type SweepsConfig struct {
	VoucherExpiryMinutes  int `yaml:"voucher_expiry_minutes"`
	ClaimsDeadlineMinutes int `yaml:"claims_deadline_minutes"`
	ComplianceMinutes     int `yaml:"compliance_minutes"`
	LeaseTTLSeconds       int `yaml:"lease_ttl_seconds"`
}

func (c SweepsConfig) VoucherExpiryInterval() time.Duration {
	return time.Duration(c.VoucherExpiryMinutes) * time.Minute
}

func (c SweepsConfig) ClaimsDeadlineInterval() time.Duration {
	return time.Duration(c.ClaimsDeadlineMinutes) * time.Minute
}

func (c SweepsConfig) ComplianceInterval() time.Duration {
	return time.Duration(c.ComplianceMinutes) * time.Minute
}

func (c SweepsConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

type OasisConfig struct {
	FundCode      string `yaml:"fund_code"`
	OrgCode       string `yaml:"org_code"`
	ObjectCode    string `yaml:"object_code"`
	FormatVersion string `yaml:"format_version"`
}

type GatewayConfig struct {
	// Target empty means the mock client that acknowledges immediately.
	Target          string `yaml:"target"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

func (c GatewayConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

type WebhooksConfig struct {
	Workers       int    `yaml:"workers"`
	SigningSecret string `yaml:"signing_secret"`
	// Cloud Tasks queue path; empty means the in-memory worker pool.
	TasksQueue string `yaml:"tasks_queue"`
}

// Load reads the YAML file, fills defaults, and applies environment
// overrides. A missing file is not an error: the defaults plus environment
// are a complete configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.fillDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.StatementTimeoutMs <= 0 {
		c.Database.StatementTimeoutMs = 5000
	}
	if c.Commands.RetryAttempts <= 0 {
		c.Commands.RetryAttempts = 3
	}
	if c.Commands.RetryBaseBackoffMs <= 0 {
		c.Commands.RetryBaseBackoffMs = 100
	}
	if c.Commands.IdempotencyTTLHours <= 0 {
		c.Commands.IdempotencyTTLHours = 24
	}
	if c.Commands.TentativeTTLDays <= 0 {
		c.Commands.TentativeTTLDays = 14
	}
	if c.Sweeps.VoucherExpiryMinutes <= 0 {
		c.Sweeps.VoucherExpiryMinutes = 15
	}
	if c.Sweeps.ClaimsDeadlineMinutes <= 0 {
		c.Sweeps.ClaimsDeadlineMinutes = 60
	}
	if c.Sweeps.ComplianceMinutes <= 0 {
		c.Sweeps.ComplianceMinutes = 60
	}
	if c.Sweeps.LeaseTTLSeconds <= 0 {
		c.Sweeps.LeaseTTLSeconds = 120
	}
	if c.Oasis.FundCode == "" {
		c.Oasis.FundCode = "WVSNP"
	}
	if c.Oasis.OrgCode == "" {
		c.Oasis.OrgCode = "WVDA"
	}
	if c.Oasis.ObjectCode == "" {
		c.Oasis.ObjectCode = "5100"
	}
	if c.Gateway.PollIntervalSec <= 0 {
		c.Gateway.PollIntervalSec = 60
	}
	if c.Webhooks.Workers <= 0 {
		c.Webhooks.Workers = 4
	}
}

// applyEnv overrides the deploy-time values. Secrets only ever come from
// the environment, never from the YAML file checked into the repo.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
	if v := os.Getenv("GATEWAY_TARGET"); v != "" {
		c.Gateway.Target = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		c.Webhooks.SigningSecret = v
	}
}
