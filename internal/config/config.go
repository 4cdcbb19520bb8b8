package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	Store                 string   `mapstructure:"STORE"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	RedisAddr             string   `mapstructure:"REDIS_ADDR"`
	RedisPassword         string   `mapstructure:"REDIS_PASSWORD"`
	RedisDB               int      `mapstructure:"REDIS_DB"`
	AuthSigningKey        string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	AutoAssignCandidates  int      `mapstructure:"AUTO_ASSIGN_CANDIDATES"`
	AutoAssignBatch       int      `mapstructure:"AUTO_ASSIGN_BATCH"`
	AutoAssignConcurrency int      `mapstructure:"AUTO_ASSIGN_CONCURRENCY"`
	AutoAssignInterval    string   `mapstructure:"AUTO_ASSIGN_INTERVAL"`
	OTLPEndpoint          string   `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName           string   `mapstructure:"SERVICE_NAME"`
	WebhookURLs           []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret         string   `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTO_ASSIGN_CANDIDATES", "AUTO_ASSIGN_BATCH", "AUTO_ASSIGN_CONCURRENCY", "AUTO_ASSIGN_INTERVAL",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "SERVICE_NAME",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AUTH_ISSUER", "pickmylab")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("AUTO_ASSIGN_CANDIDATES", 5)
	v.SetDefault("AUTO_ASSIGN_BATCH", 50)
	v.SetDefault("AUTO_ASSIGN_CONCURRENCY", 4)
	v.SetDefault("AUTO_ASSIGN_INTERVAL", "@every 1m")
	v.SetDefault("SERVICE_NAME", "dispatch-server")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if len(cfg.WebhookURLs) <= 1 {
		if urls := v.GetString("WEBHOOK_URLS"); urls != "" {
			cfg.WebhookURLs = strings.Split(urls, ",")
		}
	}
	cfg.Store = strings.ToLower(cfg.Store)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to serve with. Outside
// development a signing key is required so JWT auth replaces header identity.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.AutoAssignCandidates < 1 {
		return fmt.Errorf("AUTO_ASSIGN_CANDIDATES must be at least 1, got %d", c.AutoAssignCandidates)
	}
	if c.AutoAssignBatch < 1 || c.AutoAssignConcurrency < 1 {
		return fmt.Errorf("AUTO_ASSIGN_BATCH and AUTO_ASSIGN_CONCURRENCY must be at least 1")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}

// ValidateWorker checks the settings the background worker needs on top of
// Validate.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the worker")
	}
	if c.AutoAssignInterval == "" {
		return fmt.Errorf("AUTO_ASSIGN_INTERVAL is required for the worker")
	}
	return nil
}
