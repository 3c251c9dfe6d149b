package config // package config loads application configuration from environment variables

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable. Booking, Redis, RateLimit and Cache are loaded by
// their own files so each concern keeps its defaults next to its fields.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	LogLevel  string // zap level name (debug, info, warn, error)
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to verify bearer tokens issued by the identity service
	AMQPURL   string // RabbitMQ URL; empty disables event publishing and the payment consumer

	Booking   BookingConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

// Load reads configuration values from environment variables. Required
// variables are collected and reported together so a misconfigured
// deployment fails once with the full list.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Env:       envStr("APP_ENV", "dev"),
		Port:      envStr("APP_PORT", "8080"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		DBUser:    l.must("DB_USER"),
		DBPass:    os.Getenv("DB_PASS"), // empty allowed
		DBHost:    l.must("DB_HOST"),
		DBPort:    envStr("DB_PORT", "3306"),
		DBName:    l.must("DB_NAME"),
		JWTSecret: l.must("JWT_SECRET"),
		AMQPURL:   amqpURL(),
		Booking:   LoadBookingConfig(),
		Redis:     LoadRedisConfig(),
		RateLimit: LoadRateLimitConfig(),
		Cache:     LoadCacheConfig(),
	}
	if err := cfg.Booking.Validate(); err != nil {
		l.invalid = append(l.invalid, err.Error())
	}
	if err := l.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loader accumulates missing or malformed variables.
type loader struct {
	missing []string
	invalid []string
}

// must retrieves the value of a required environment variable. An unset or
// empty variable is recorded as missing.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.missing = append(l.missing, key)
	}
	return v
}

func (l *loader) err() error {
	var parts []string
	if len(l.missing) > 0 {
		parts = append(parts, "missing required env vars: "+strings.Join(l.missing, ", "))
	}
	parts = append(parts, l.invalid...)
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(parts, "; "))
}

func amqpURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	return os.Getenv("AMQP_URL")
}
