// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/postgres"
	"github.com/cmmsalud/clinic-api/internal/infrastructure/smtp"
	"github.com/cmmsalud/clinic-api/internal/observability/tracing"
)

// MinJWTKeyBytes is the shortest signing key accepted outside development.
const MinJWTKeyBytes = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	JWTKey             string `mapstructure:"JWT_KEY"`
	AccessTokenMinutes int    `mapstructure:"ACCESS_TOKEN_MINUTES"`
	RefreshTokenDays   int    `mapstructure:"REFRESH_TOKEN_DAYS"`
	BcryptCost         int    `mapstructure:"BCRYPT_COST"`

	CORSOrigins []string `mapstructure:"-"`

	KafkaBrokers     []string `mapstructure:"-"`
	RelayMetricsAddr string   `mapstructure:"RELAY_METRICS_ADDR"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	SMTPHost      string `mapstructure:"SMTP_HOST"`
	SMTPPort      int    `mapstructure:"SMTP_PORT"`
	SMTPUsername  string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword  string `mapstructure:"SMTP_PASSWORD"`
	SMTPFromEmail string `mapstructure:"SMTP_FROM_EMAIL"`
	SMTPFromName  string `mapstructure:"SMTP_FROM_NAME"`
	SMTPToEmail   string `mapstructure:"SMTP_TO_EMAIL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_ISSUER", "JWT_AUDIENCE", "JWT_KEY", "ACCESS_TOKEN_MINUTES", "REFRESH_TOKEN_DAYS", "BCRYPT_COST",
	"CORS_ORIGINS", "KAFKA_BROKERS", "RELAY_METRICS_ADDR",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD",
	"SMTP_FROM_EMAIL", "SMTP_FROM_NAME", "SMTP_TO_EMAIL",
}

// Load reads the configuration. Environment variables win over .env.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "clinic-api")
	v.SetDefault("JWT_AUDIENCE", "clinic-web")
	v.SetDefault("ACCESS_TOKEN_MINUTES", 30)
	v.SetDefault("REFRESH_TOKEN_DAYS", 7)
	v.SetDefault("BCRYPT_COST", auth.PasswordCost)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("RELAY_METRICS_ADDR", ":9091")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM_NAME", "CMM Salud")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.IsDev() && len(c.JWTKey) < MinJWTKeyBytes {
		return fmt.Errorf("JWT_KEY must be at least %d bytes outside development, got %d", MinJWTKeyBytes, len(c.JWTKey))
	}
	if c.JWTKey == "" {
		return fmt.Errorf("JWT_KEY is required")
	}
	if c.AccessTokenMinutes <= 0 || c.RefreshTokenDays <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	return nil
}

// Pool returns the database pool settings.
func (c *Config) Pool() postgres.PoolConfig {
	return postgres.PoolConfig{URL: c.DatabaseURL, MaxConns: c.DBMaxConns, MinConns: c.DBMinConns}
}

// Tokens returns the access and refresh token settings.
func (c *Config) Tokens() auth.TokenConfig {
	tc := auth.DefaultTokenConfig(c.JWTKey)
	if c.JWTIssuer != "" {
		tc.Issuer = c.JWTIssuer
	}
	if c.JWTAudience != "" {
		tc.Audience = c.JWTAudience
	}
	tc.AccessTokenTTL = time.Duration(c.AccessTokenMinutes) * time.Minute
	tc.RefreshTokenTTL = time.Duration(c.RefreshTokenDays) * 24 * time.Hour
	return tc
}

// Hasher returns the password hasher at BCRYPT_COST.
func (c *Config) Hasher() *auth.PasswordHasher {
	return auth.NewPasswordHasher().WithCost(c.BcryptCost)
}

// SMTP returns the contact mail settings. The implicit TLS port 465 disables
// STARTTLS.
func (c *Config) SMTP() smtp.Config {
	return smtp.Config{
		Host:        c.SMTPHost,
		Port:        c.SMTPPort,
		UseStartTLS: c.SMTPPort != 465,
		Username:    c.SMTPUsername,
		Password:    c.SMTPPassword,
		FromEmail:   c.SMTPFromEmail,
		FromName:    c.SMTPFromName,
		ToEmail:     c.SMTPToEmail,
	}
}

// Tracing returns the exporter settings for serviceName.
func (c *Config) Tracing(serviceName, version string) tracing.Config {
	tc := tracing.DefaultConfig(serviceName)
	tc.ServiceVersion = version
	tc.Environment = c.Env
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.SampleRate = c.TraceSampleRate
	return tc
}

// NewLogger builds a development or production zap logger at LOG_LEVEL.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
