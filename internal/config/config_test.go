package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("CREDITCORE_TEST_DATABASE_URL", "postgres://core:secret@db:5432/core")
	t.Setenv("CREDITCORE_TEST_PROVIDER_KEY", "pk_live_123")

	cfg, err := Load(filepath.Join("testdata", "valid_config.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "default")
	assert.Equal(t, "postgres://core:secret@db:5432/core", cfg.Database.URL)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, int64(100), cfg.Ledger.DefaultCredits)
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Jobs.GracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.PendingCeiling)
	assert.Equal(t, 15*time.Second, cfg.Jobs.SubmitTimeout)
	assert.Equal(t, "river", cfg.Reconcile.Scheduler)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "pk_live_123", cfg.Providers[0].APIKey)
	assert.Equal(t, 15*time.Second, cfg.Providers[0].Timeout, "inherits submit timeout")
	assert.Equal(t, 30*time.Second, cfg.Providers[1].Timeout)
	assert.Equal(t, int64(50), cfg.Pricing.Costs["video"])
	assert.Equal(t, "creditcore", cfg.Notify.NATS.SubjectPrefix)
	assert.Equal(t, ":9090", cfg.Addr())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"missing file", "does_not_exist.yaml"},
		{"malformed yaml", "malformed.yaml"},
		{"unknown field", "unknown_field.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(filepath.Join("testdata", tt.file))
			assert.Error(t, err)
		})
	}
}

func validConfig() *Config {
	cfg := &Config{
		Database: DatabaseConfig{URL: "postgres://x"},
		Identity: IdentityConfig{Mode: "header"},
		Pricing:  PricingConfig{Costs: map[string]int64{"audio": 10}},
		Providers: []ProviderConfig{
			{Name: "voice", BaseURL: "http://voice", Kinds: []string{"audio"}},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "missing dsn", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: "database url"},
		{name: "ceiling below grace", mutate: func(c *Config) { c.Jobs.PendingCeiling = time.Second }, wantErr: "must exceed grace_period"},
		{name: "negative duration", mutate: func(c *Config) { c.Jobs.SubmitTimeout = -time.Second }, wantErr: "submit_timeout"},
		{name: "unknown scheduler", mutate: func(c *Config) { c.Reconcile.Scheduler = "cron" }, wantErr: "scheduler"},
		{name: "redis cache without addr", mutate: func(c *Config) { c.Pricing.Cache = "redis" }, wantErr: "redis addr"},
		{name: "unknown notify driver", mutate: func(c *Config) { c.Notify.Driver = "smtp" }, wantErr: "notify driver"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Identity.Mode = "jwt"; c.Identity.JWTSecret = "short" }, wantErr: "jwt_secret"},
		{name: "provider without kinds", mutate: func(c *Config) { c.Providers[0].Kinds = nil }, wantErr: "at least one kind"},
		{name: "kind without price", mutate: func(c *Config) { c.Providers[0].Kinds = []string{"video"} }, wantErr: "has no price"},
		{name: "non-positive price", mutate: func(c *Config) { c.Pricing.Costs["audio"] = 0 }, wantErr: "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvPath, "/etc/creditcore.yaml")
	assert.Equal(t, "/etc/creditcore.yaml", ResolvePath(""))
	assert.Equal(t, "local.yaml", ResolvePath("local.yaml"))
}
