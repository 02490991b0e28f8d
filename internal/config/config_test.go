package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Challenge.MaxAttempts)
	assert.Equal(t, 0, cfg.Session.MaxPerPrincipal)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "hmac", cfg.Broker.Signer)
}

func TestLoad_LayerOrder(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "tollgate.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
server:
  addr: ":9000"
challenge:
  ttl: 2m
  max_attempts: 3
session:
  max_per_principal: 4
`), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("TOLLGATE_CHALLENGE_MAX_ATTEMPTS=7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TOLLGATE_CHALLENGE_MAX_ATTEMPTS") })

	t.Setenv("TOLLGATE_ADDR", ":9100")

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env overrides yaml")
	assert.Equal(t, 2*time.Minute, cfg.Challenge.TTL, "yaml overrides defaults")
	assert.Equal(t, 7, cfg.Challenge.MaxAttempts, ".env feeds env parsing")
	assert.Equal(t, 4, cfg.Session.MaxPerPrincipal)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestLoad_KafkaBrokersList(t *testing.T) {
	t.Setenv("TOLLGATE_BROKER", "kafka")
	t.Setenv("TOLLGATE_KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown storage":   func(c *Config) { c.Storage.Backend = "sqlite" },
		"postgres w/o dsn":  func(c *Config) { c.Storage.Backend = "postgres" },
		"redis w/o url":     func(c *Config) { c.Storage.Backend = "redis" },
		"kafka w/o brokers": func(c *Config) { c.Broker.Backend = "kafka" },
		"bad signer":        func(c *Config) { c.Broker.Signer = "rsa" },
		"zero attempts":     func(c *Config) { c.Challenge.MaxAttempts = 0 },
		"negative cap":      func(c *Config) { c.Session.MaxPerPrincipal = -1 },
		"half tls":          func(c *Config) { c.Server.TLSCert = "cert.pem" },
		"short seal key":    func(c *Config) { c.Storage.SealKey = base64.StdEncoding.EncodeToString([]byte("short")) },
		"redis limiter":     func(c *Config) { c.RateLimit.Backend = "redis" },
		"bad proxy":         func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "lb"} },
		"bad presence":      func(c *Config) { c.Broker.Presence = "everyone" },
		"members w/o list":  func(c *Config) { c.Broker.Presence = "members" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSealKeyBytes(t *testing.T) {
	c := Default()
	key, err := c.SealKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, key)

	raw := make([]byte, 32)
	raw[0] = 9
	c.Storage.SealKey = base64.StdEncoding.EncodeToString(raw)
	key, err = c.SealKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestBrokerRedisURL(t *testing.T) {
	c := Default()
	c.Storage.RedisURL = "redis://storage:6379"
	assert.Equal(t, "redis://storage:6379", c.BrokerRedisURL())
	c.Broker.RedisURL = "redis://broker:6379"
	assert.Equal(t, "redis://broker:6379", c.BrokerRedisURL())
}

func TestLoad_TrustedProxiesList(t *testing.T) {
	t.Setenv("TOLLGATE_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.7")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.Server.TrustedProxies)
}
