// Package config loads tollgate settings. Values come from built-in
// defaults, then an optional YAML file, then a .env file, then TOLLGATE_*
// environment variables; each layer overrides the one before.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log struct {
		Env   string `yaml:"env" env:"TOLLGATE_LOG_ENV"`
		Level string `yaml:"level" env:"TOLLGATE_LOG_LEVEL"`
	} `yaml:"log"`

	Server struct {
		Addr           string   `yaml:"addr" env:"TOLLGATE_ADDR"`
		TLSCert        string   `yaml:"tls_cert" env:"TOLLGATE_TLS_CERT"`
		TLSKey         string   `yaml:"tls_key" env:"TOLLGATE_TLS_KEY"`
		SecureCookie   bool     `yaml:"secure_cookie" env:"TOLLGATE_SECURE_COOKIE"`
		TrustedProxies []string `yaml:"trusted_proxies" env:"TOLLGATE_TRUSTED_PROXIES" envSeparator:","`
		// AuditWebhook receives audit events and alerts as JSON. The
		// optional header is sent as "Name: value".
		AuditWebhook       string `yaml:"audit_webhook" env:"TOLLGATE_AUDIT_WEBHOOK"`
		AuditWebhookHeader string `yaml:"audit_webhook_header" env:"TOLLGATE_AUDIT_WEBHOOK_HEADER"`
	} `yaml:"server"`

	Storage struct {
		// memory | bbolt | postgres | redis
		Backend     string `yaml:"backend" env:"TOLLGATE_STORAGE"`
		DataDir     string `yaml:"data_dir" env:"TOLLGATE_DATA_DIR"`
		PostgresDSN string `yaml:"postgres_dsn" env:"TOLLGATE_POSTGRES_DSN"`
		RedisURL    string `yaml:"redis_url" env:"TOLLGATE_REDIS_URL"`
		// SealKey is base64 of 32 bytes. Empty generates a per-process key,
		// which makes persisted records unreadable after restart.
		SealKey string `yaml:"seal_key" env:"TOLLGATE_SEAL_KEY"`
	} `yaml:"storage"`

	Session struct {
		IdleTimeout     time.Duration `yaml:"idle_timeout" env:"TOLLGATE_SESSION_IDLE_TIMEOUT"`
		AbsoluteTTL     time.Duration `yaml:"absolute_ttl" env:"TOLLGATE_SESSION_TTL"`
		MaxPerPrincipal int           `yaml:"max_per_principal" env:"TOLLGATE_SESSION_MAX_PER_PRINCIPAL"`
		SweepInterval   time.Duration `yaml:"sweep_interval" env:"TOLLGATE_SWEEP_INTERVAL"`
	} `yaml:"session"`

	Challenge struct {
		TTL         time.Duration `yaml:"ttl" env:"TOLLGATE_CHALLENGE_TTL"`
		MaxAttempts int           `yaml:"max_attempts" env:"TOLLGATE_CHALLENGE_MAX_ATTEMPTS"`
	} `yaml:"challenge"`

	RateLimit struct {
		// memory | redis
		Backend     string        `yaml:"backend" env:"TOLLGATE_RATELIMIT"`
		MaxFailures int           `yaml:"max_failures" env:"TOLLGATE_RATELIMIT_MAX_FAILURES"`
		Window      time.Duration `yaml:"window" env:"TOLLGATE_RATELIMIT_WINDOW"`
	} `yaml:"rate_limit"`

	Broker struct {
		// none | memory | redis | kafka
		Backend      string   `yaml:"backend" env:"TOLLGATE_BROKER"`
		RedisURL     string   `yaml:"redis_url" env:"TOLLGATE_BROKER_REDIS_URL"`
		KafkaBrokers []string `yaml:"kafka_brokers" env:"TOLLGATE_KAFKA_BROKERS" envSeparator:","`
		KafkaTopic   string   `yaml:"kafka_topic" env:"TOLLGATE_KAFKA_TOPIC"`
		// hmac | jwt
		Signer string `yaml:"signer" env:"TOLLGATE_BROKER_SIGNER"`
		Key    string `yaml:"key" env:"TOLLGATE_BROKER_KEY"`
		Secret string `yaml:"secret" env:"TOLLGATE_BROKER_SECRET"`
		// deny | open | members
		Presence string `yaml:"presence" env:"TOLLGATE_BROKER_PRESENCE"`
		// Principal IDs admitted to each presence resource when Presence
		// is members.
		PresenceMembers map[string][]string `yaml:"presence_members"`
	} `yaml:"broker"`

	WebAuthn struct {
		RPID          string        `yaml:"rp_id" env:"TOLLGATE_WEBAUTHN_RP_ID"`
		RPDisplayName string        `yaml:"rp_display_name" env:"TOLLGATE_WEBAUTHN_RP_DISPLAY_NAME"`
		RPOrigins     []string      `yaml:"rp_origins" env:"TOLLGATE_WEBAUTHN_RP_ORIGINS" envSeparator:","`
		CeremonyTTL   time.Duration `yaml:"ceremony_ttl" env:"TOLLGATE_WEBAUTHN_CEREMONY_TTL"`
	} `yaml:"webauthn"`

	SMTP struct {
		Host     string `yaml:"host" env:"TOLLGATE_SMTP_HOST"`
		Port     int    `yaml:"port" env:"TOLLGATE_SMTP_PORT"`
		Username string `yaml:"username" env:"TOLLGATE_SMTP_USERNAME"`
		Password string `yaml:"password" env:"TOLLGATE_SMTP_PASSWORD"`
		From     string `yaml:"from" env:"TOLLGATE_SMTP_FROM"`
	} `yaml:"smtp"`
}

// Default returns the built-in settings.
func Default() *Config {
	c := &Config{}
	c.Log.Env = "dev"
	c.Log.Level = "info"
	c.Server.Addr = ":8443"
	c.Server.SecureCookie = true
	c.Storage.Backend = "bbolt"
	c.Storage.DataDir = "./data"
	c.Session.IdleTimeout = 30 * time.Minute
	c.Session.AbsoluteTTL = 24 * time.Hour
	c.Session.SweepInterval = time.Minute
	c.Challenge.TTL = 5 * time.Minute
	c.Challenge.MaxAttempts = 5
	c.RateLimit.Backend = "memory"
	c.RateLimit.MaxFailures = 5
	c.RateLimit.Window = 15 * time.Minute
	c.Broker.Backend = "memory"
	c.Broker.KafkaTopic = "tollgate.events"
	c.Broker.Signer = "hmac"
	c.Broker.Key = "tollgate"
	c.Broker.Presence = "deny"
	c.WebAuthn.RPID = "localhost"
	c.WebAuthn.RPDisplayName = "Tollgate"
	c.WebAuthn.RPOrigins = []string{"https://localhost:8443"}
	c.WebAuthn.CeremonyTTL = 5 * time.Minute
	c.SMTP.Port = 587
	return c
}

// Load builds a Config. path and envFile are optional; a missing envFile is
// not an error, a missing path is.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "memory", "bbolt":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Broker.Backend {
	case "none", "memory":
	case "redis":
		if c.Broker.RedisURL == "" && c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("broker.redis_url is required for the redis broker"))
		}
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("broker.kafka_brokers is required for the kafka broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker backend %q", c.Broker.Backend))
	}

	if c.Broker.Signer != "hmac" && c.Broker.Signer != "jwt" {
		errs = append(errs, fmt.Errorf("unknown broker signer %q", c.Broker.Signer))
	}
	switch c.Broker.Presence {
	case "deny", "open":
	case "members":
		if len(c.Broker.PresenceMembers) == 0 {
			errs = append(errs, errors.New("broker.presence_members is required for members presence"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker presence rule %q", c.Broker.Presence))
	}
	if c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis" {
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Backend == "redis" && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("storage.redis_url is required for the redis rate limiter"))
	}
	if c.Challenge.MaxAttempts < 1 {
		errs = append(errs, errors.New("challenge.max_attempts must be at least 1"))
	}
	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge.ttl must be positive"))
	}
	if c.Session.AbsoluteTTL <= 0 || c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Session.MaxPerPrincipal < 0 {
		errs = append(errs, errors.New("session.max_per_principal must not be negative"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not an address or CIDR", p))
		}
	}
	if c.Storage.SealKey != "" {
		if _, err := c.SealKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SealKeyBytes decodes Storage.SealKey. It returns nil, nil when unset.
func (c *Config) SealKeyBytes() ([]byte, error) {
	if c.Storage.SealKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Storage.SealKey)
	if err != nil {
		return nil, fmt.Errorf("storage.seal_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.seal_key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// BrokerRedisURL is the broker's Redis endpoint, falling back to storage's.
func (c *Config) BrokerRedisURL() string {
	if c.Broker.RedisURL != "" {
		return c.Broker.RedisURL
	}
	return c.Storage.RedisURL
}
