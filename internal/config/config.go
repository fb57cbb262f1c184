package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	SMTPAddr       string        `mapstructure:"SMTP_ADDR"`
	SMTPHost       string        `mapstructure:"SMTP_HOST"`
	SMTPUsername   string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword   string        `mapstructure:"SMTP_PASSWORD"`
	MailFrom       string        `mapstructure:"MAIL_FROM"`
	StatusCacheTTL time.Duration `mapstructure:"STATUS_CACHE_TTL"`
	BatchWorkers   int           `mapstructure:"BATCH_CONCURRENCY"`
	TracingEnabled bool          `mapstructure:"TRACING_ENABLED"`
	SeedFile       string        `mapstructure:"SEED_FILE"`

	// TriggerInstrument is the questionnaire scored for clinical triggers.
	TriggerInstrument string `mapstructure:"TRIGGER_INSTRUMENT"`
	// StaffAlertEmail receives alerts for participants without a clinician.
	StaffAlertEmail   string `mapstructure:"STAFF_ALERT_EMAIL"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"SMTP_ADDR", "SMTP_HOST", "SMTP_USERNAME", "SMTP_PASSWORD", "MAIL_FROM",
	"STATUS_CACHE_TTL", "BATCH_CONCURRENCY", "TRACING_ENABLED", "SEED_FILE",
	"TRIGGER_INSTRUMENT", "STAFF_ALERT_EMAIL",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAIL_FROM", "noreply@truenth.org")
	v.SetDefault("STATUS_CACHE_TTL", "24h")
	v.SetDefault("BATCH_CONCURRENCY", 4)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRIGGER_INSTRUMENT", "ironman_ss")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: unauthenticated requests are granted admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is required so bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchWorkers)
	}
	if c.StatusCacheTTL < 0 {
		return fmt.Errorf("STATUS_CACHE_TTL must not be negative")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.SMTPAddr != "" && c.MailFrom == "" {
		return fmt.Errorf("MAIL_FROM is required when SMTP_ADDR is set")
	}
	return nil
}

// SMTPHostname returns SMTP_HOST, falling back to the host part of SMTP_ADDR.
func (c *Config) SMTPHostname() string {
	if c.SMTPHost != "" {
		return c.SMTPHost
	}
	host, _, _ := strings.Cut(c.SMTPAddr, ":")
	return host
}
