package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                      string        `mapstructure:"PORT"`
	Env                       string        `mapstructure:"ENV"`
	DatabaseURL               string        `mapstructure:"DATABASE_URL"`
	DBMaxConns                int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                int32         `mapstructure:"DB_MIN_CONNS"`
	TenantDBMaxConns          int32         `mapstructure:"TENANT_DB_MAX_CONNS"`
	SharedSchema              string        `mapstructure:"SHARED_SCHEMA"`
	TenantHealthCheckInterval time.Duration `mapstructure:"TENANT_HEALTH_CHECK_INTERVAL"`
	SequenceLockTimeout       time.Duration `mapstructure:"SEQUENCE_LOCK_TIMEOUT"`
	DuplicateBookingPolicy    string        `mapstructure:"DUPLICATE_BOOKING_POLICY"`
	RedisURL                  string        `mapstructure:"REDIS_URL"`
	AuthSigningKey            string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer                string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience              string        `mapstructure:"AUTH_AUDIENCE"`
	PaymentWebhookSecret      string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	CORSOrigins               []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS              float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst            int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"TENANT_DB_MAX_CONNS",
	"SHARED_SCHEMA",
	"TENANT_HEALTH_CHECK_INTERVAL",
	"SEQUENCE_LOCK_TIMEOUT",
	"DUPLICATE_BOOKING_POLICY",
	"REDIS_URL",
	"AUTH_SIGNING_KEY",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"PAYMENT_WEBHOOK_SECRET",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TENANT_DB_MAX_CONNS", 5)
	v.SetDefault("SHARED_SCHEMA", "shared")
	v.SetDefault("TENANT_HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("SEQUENCE_LOCK_TIMEOUT", "10s")
	v.SetDefault("DUPLICATE_BOOKING_POLICY", "patient")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

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

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.DuplicateBookingPolicy = strings.ToLower(strings.TrimSpace(cfg.DuplicateBookingPolicy))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is required because anonymous requests are rejected.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	switch c.DuplicateBookingPolicy {
	case "patient", "all", "none":
	default:
		return fmt.Errorf("DUPLICATE_BOOKING_POLICY must be \"patient\", \"all\" or \"none\", got %q", c.DuplicateBookingPolicy)
	}

	if c.SharedSchema == "" || strings.HasPrefix(c.SharedSchema, "tenant_") || strings.HasPrefix(c.SharedSchema, "pg_") {
		return fmt.Errorf("SHARED_SCHEMA %q is not usable", c.SharedSchema)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TenantDBMaxConns < 1 {
		return fmt.Errorf("TENANT_DB_MAX_CONNS must be positive, got %d", c.TenantDBMaxConns)
	}
	if c.SequenceLockTimeout <= 0 {
		return fmt.Errorf("SEQUENCE_LOCK_TIMEOUT must be positive, got %s", c.SequenceLockTimeout)
	}
	if c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}

	return nil
}
