package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTPAddr           string
	PostgresDSN        string
	RedisAddr          string
	KafkaBrokers       []string
	KafkaTransferTopic string
	KafkaGroupID       string
	JWTSecret          string
	StorageDriver      string
	SeedFile           string
	LogLevel           string
	OTLPEndpoint       string

	MaxPerTransfer decimal.Decimal
	DailyLimit     decimal.Decimal
	Location       *time.Location

	LockTimeout        time.Duration
	ExecutionTimeout   time.Duration
	PendingTTL         time.Duration
	SweepInterval      time.Duration
	IdempotencyTTL     time.Duration
	RateLimitPerMinute int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=edubank sslmode=disable")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TRANSFER_TOPIC", "transfers")
	v.SetDefault("KAFKA_GROUP_ID", "edubank-transfers")
	v.SetDefault("JWT_SECRET", "supersecret")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("SEED_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("MAX_PER_TRANSFER", "5000000")
	v.SetDefault("DAILY_LIMIT", "10000000")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("LOCK_TIMEOUT", "3s")
	v.SetDefault("EXECUTION_TIMEOUT", "5s")
	v.SetDefault("PENDING_TTL", "1m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment and defaults", "error", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		PostgresDSN:        v.GetString("POSTGRES_DSN"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTransferTopic: v.GetString("KAFKA_TRANSFER_TOPIC"),
		KafkaGroupID:       v.GetString("KAFKA_GROUP_ID"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		StorageDriver:      strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_DRIVER"))),
		SeedFile:           v.GetString("SEED_FILE"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		OTLPEndpoint:       v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LockTimeout:        v.GetDuration("LOCK_TIMEOUT"),
		ExecutionTimeout:   v.GetDuration("EXECUTION_TIMEOUT"),
		PendingTTL:         v.GetDuration("PENDING_TTL"),
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		IdempotencyTTL:     v.GetDuration("IDEMPOTENCY_TTL"),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
	}

	var err error
	if cfg.MaxPerTransfer, err = parseAmount("MAX_PER_TRANSFER", v.GetString("MAX_PER_TRANSFER")); err != nil {
		return nil, err
	}
	if cfg.DailyLimit, err = parseAmount("DAILY_LIMIT", v.GetString("DAILY_LIMIT")); err != nil {
		return nil, err
	}
	if cfg.Location, err = time.LoadLocation(v.GetString("TIMEZONE")); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"storage_driver", cfg.StorageDriver,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"max_per_transfer", cfg.MaxPerTransfer.String(),
		"daily_limit", cfg.DailyLimit.String(),
		"timezone", cfg.Location.String())
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.LockTimeout <= 0 || c.ExecutionTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT and EXECUTION_TIMEOUT must be positive")
	}
	if c.LockTimeout < time.Millisecond {
		return fmt.Errorf("LOCK_TIMEOUT (%s) must be at least 1ms", c.LockTimeout)
	}
	if c.LockTimeout > c.ExecutionTimeout {
		return fmt.Errorf("LOCK_TIMEOUT (%s) must not exceed EXECUTION_TIMEOUT (%s)", c.LockTimeout, c.ExecutionTimeout)
	}
	if c.PendingTTL <= c.ExecutionTimeout {
		return fmt.Errorf("PENDING_TTL (%s) must exceed EXECUTION_TIMEOUT (%s)", c.PendingTTL, c.ExecutionTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return nil
}

func parseAmount(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
