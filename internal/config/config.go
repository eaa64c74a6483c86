package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment
	Port        string
	LogLevel    string
	NodeID      int64

	DatabaseURL string
	RedisURL    string
	RateLimit   int

	JWTSecret      string
	StatusTokenTTL time.Duration

	RelworxAccountNo     string
	RelworxAPIKey        string
	RelworxBaseURL       string
	RelworxWebhookSecret string
	RelworxMaxAttempts   int

	DefaultCurrency    string
	CountryCode        string
	OrdersFallbackPath string
	StrictValidation   bool

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string

	ReplaySchedule string
}

func Load() (*Config, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if env != "production" {
		if err := godotenv.Load(); err != nil {
			// running from cmd/<binary>
			_ = godotenv.Load("../../.env")
		}
	}

	cfg := &Config{
		Environment: Environment(env),
		Port:        getEnv("PORT", "5000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		NodeID:      int64(getEnvAsInt("NODE_ID", 1)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		RateLimit:   getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		StatusTokenTTL: getEnvAsDuration("STATUS_TOKEN_TTL", 24*time.Hour),

		RelworxAccountNo:     getEnv("RELWORX_ACCOUNT_NO", ""),
		RelworxAPIKey:        getEnv("RELWORX_API_KEY", ""),
		RelworxBaseURL:       strings.TrimRight(getEnv("RELWORX_BASE_URL", "https://payments.relworx.com/api"), "/"),
		RelworxWebhookSecret: getEnv("RELWORX_WEBHOOK_SECRET", ""),
		RelworxMaxAttempts:   getEnvAsInt("RELWORX_MAX_ATTEMPTS", 3),

		DefaultCurrency:    strings.ToUpper(getEnv("DEFAULT_CURRENCY", "UGX")),
		CountryCode:        getEnv("COUNTRY_CODE", "256"),
		OrdersFallbackPath: getEnv("ORDERS_FALLBACK_PATH", "orders.json"),
		StrictValidation:   getEnvAsBool("STRICT_VALIDATION", true),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "noreply@applepark.tv"),
		FromName:     getEnv("FROM_NAME", "ApplePark IPTV"),

		ReplaySchedule: getEnv("REPLAY_SCHEDULE", "0 */10 * * * *"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.RelworxAccountNo == "" || c.RelworxAPIKey == "" {
		return fmt.Errorf("RELWORX_ACCOUNT_NO and RELWORX_API_KEY are required")
	}

	if c.RelworxWebhookSecret == "" {
		return fmt.Errorf("RELWORX_WEBHOOK_SECRET is required")
	}

	if c.RelworxMaxAttempts < 1 {
		return fmt.Errorf("RELWORX_MAX_ATTEMPTS must be at least 1")
	}

	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023")
	}

	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code")
	}

	if c.SMTPHost != "" || c.SMTPUsername != "" || c.SMTPPassword != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("incomplete SMTP configuration: all SMTP fields must be set")
		}
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

func (c *Config) IsStaging() bool {
	return c.Environment == Staging
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// EmailEnabled reports whether SMTP settings were provided.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// NewLogger builds the process logger: JSON on stdout at LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("env", string(c.Environment))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
