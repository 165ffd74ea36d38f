package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/inaiurai/creditcore/internal/logger"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPath names the environment variable that points at the config file.
	EnvPath     = "CREDITCORE_CONFIG"
	DefaultPath = "config.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   logger.Config    `yaml:"logging"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Providers []ProviderConfig `yaml:"providers"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Redis     RedisConfig      `yaml:"redis"`
	Notify    NotifyConfig     `yaml:"notify"`
	Identity  IdentityConfig   `yaml:"identity"`
	CORS      CORSConfig       `yaml:"cors"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type LedgerConfig struct {
	DefaultCredits int64 `yaml:"default_credits"`
	MaxAttempts    int   `yaml:"max_attempts"`
}

type JobsConfig struct {
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	PendingCeiling  time.Duration `yaml:"pending_ceiling"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollConcurrency int           `yaml:"poll_concurrency"`
	PollBatch       int           `yaml:"poll_batch"`
}

type ReconcileConfig struct {
	Scheduler string `yaml:"scheduler"` // ticker, river
}

type ProviderConfig struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	CallbackURL   string        `yaml:"callback_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Kinds         []string      `yaml:"kinds"`
	Timeout       time.Duration `yaml:"timeout"`
}

type PricingConfig struct {
	Costs     map[string]int64 `yaml:"costs"`
	Cache     string           `yaml:"cache"` // memory, redis
	KeyPrefix string           `yaml:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NotifyConfig struct {
	Driver   string         `yaml:"driver"` // log, nats, rabbitmq
	NATS     NATSConfig     `yaml:"nats"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RabbitMQConfig struct {
	URL               string        `yaml:"url"`
	Exchange          string        `yaml:"exchange"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

type IdentityConfig struct {
	Mode      string `yaml:"mode"` // jwt, header
	JWTSecret string `yaml:"jwt_secret"`
	Header    string `yaml:"header"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ResolvePath picks the config file: explicit flag, then $CREDITCORE_CONFIG,
// then ./config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads .env if present, expands ${VAR} references in the YAML file,
// parses it and fills defaults. Call Validate before use.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	setInt := func(i *int, v int) {
		if *i == 0 {
			*i = v
		}
	}
	setString := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.IdleTimeout, 120*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 20*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")

	setInt(&c.Ledger.MaxAttempts, 3)

	setDuration(&c.Jobs.SubmitTimeout, 15*time.Second)
	setDuration(&c.Jobs.GracePeriod, 30*time.Second)
	setDuration(&c.Jobs.PendingCeiling, 10*time.Minute)
	setDuration(&c.Jobs.PollInterval, 15*time.Second)
	setInt(&c.Jobs.PollConcurrency, 8)
	setInt(&c.Jobs.PollBatch, 500)

	setString(&c.Reconcile.Scheduler, "ticker")
	setString(&c.Pricing.Cache, "memory")
	setString(&c.Pricing.KeyPrefix, "creditcore:price")
	setString(&c.Notify.Driver, "log")
	setString(&c.Notify.NATS.SubjectPrefix, "creditcore")
	setString(&c.Notify.RabbitMQ.Exchange, "creditcore.jobs")
	setInt(&c.Notify.RabbitMQ.RetryAttempts, 3)
	setDuration(&c.Notify.RabbitMQ.RetryInterval, 2*time.Second)
	setString(&c.Identity.Mode, "jwt")
	setString(&c.Identity.Header, "X-User-ID")

	for i := range c.Providers {
		setDuration(&c.Providers[i].Timeout, c.Jobs.SubmitTimeout)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		fail("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Database.URL == "" {
		fail("database url is required")
	}
	if c.Ledger.DefaultCredits < 0 {
		fail("ledger default_credits must not be negative")
	}
	if c.Ledger.MaxAttempts < 1 {
		fail("ledger max_attempts must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"submit_timeout":  c.Jobs.SubmitTimeout,
		"grace_period":    c.Jobs.GracePeriod,
		"pending_ceiling": c.Jobs.PendingCeiling,
		"poll_interval":   c.Jobs.PollInterval,
	} {
		if d <= 0 {
			fail("jobs %s must be greater than 0", name)
		}
	}
	if c.Jobs.PendingCeiling <= c.Jobs.GracePeriod {
		fail("jobs pending_ceiling (%s) must exceed grace_period (%s)", c.Jobs.PendingCeiling, c.Jobs.GracePeriod)
	}

	if !slices.Contains([]string{"ticker", "river"}, c.Reconcile.Scheduler) {
		fail("unknown reconcile scheduler %q", c.Reconcile.Scheduler)
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Pricing.Cache) {
		fail("unknown pricing cache %q", c.Pricing.Cache)
	}
	if c.Pricing.Cache == "redis" && c.Redis.Addr == "" {
		fail("redis addr is required for the redis pricing cache")
	}
	switch c.Notify.Driver {
	case "log":
	case "nats":
		if c.Notify.NATS.URL == "" {
			fail("notify nats url is required")
		}
	case "rabbitmq":
		if c.Notify.RabbitMQ.URL == "" {
			fail("notify rabbitmq url is required")
		}
	default:
		fail("unknown notify driver %q", c.Notify.Driver)
	}
	switch c.Identity.Mode {
	case "jwt":
		if len(c.Identity.JWTSecret) < 16 {
			fail("identity jwt_secret must be at least 16 bytes")
		}
	case "header":
	default:
		fail("unknown identity mode %q", c.Identity.Mode)
	}

	seenName := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			fail("providers[%d]: name is required", i)
		}
		if seenName[p.Name] {
			fail("providers[%d]: duplicate name %q", i, p.Name)
		}
		seenName[p.Name] = true
		if p.BaseURL == "" {
			fail("provider %q: base_url is required", p.Name)
		}
		if len(p.Kinds) == 0 {
			fail("provider %q: at least one kind is required", p.Name)
		}
		for _, k := range p.Kinds {
			if _, ok := c.Pricing.Costs[k]; !ok {
				fail("provider %q: kind %q has no price", p.Name, k)
			}
		}
	}
	for kind, cost := range c.Pricing.Costs {
		if cost <= 0 {
			fail("pricing cost for %q must be positive", kind)
		}
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
