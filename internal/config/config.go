package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort     string
	MetricsPort string

	ProviderBaseURL string
	ProviderAPIKey  string
	CallbackBaseURL string

	MediaStoreBaseURL string

	SweepInterval  time.Duration
	StaleThreshold time.Duration
	DispatchGroup  string
}

// New loads and validates configuration from environment variables.
// Metrics are optional: if RENDERQ_METRICS_PORT is empty, MetricsAddr()
// returns an error and the metrics listener simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:            os.Getenv("RENDERQ_POSTGRES_USER"),
		DBPass:            os.Getenv("RENDERQ_POSTGRES_PASSWORD"),
		DBHost:            os.Getenv("RENDERQ_POSTGRES_HOST"),
		DBPort:            os.Getenv("RENDERQ_POSTGRES_PORT"),
		DBName:            os.Getenv("RENDERQ_POSTGRES_DB"),
		SSLMode:           os.Getenv("RENDERQ_POSTGRES_SSLMODE"),
		RedisHost:         os.Getenv("RENDERQ_REDIS_HOST"),
		RedisPort:         os.Getenv("RENDERQ_REDIS_PORT"),
		NatsHost:          os.Getenv("RENDERQ_NATS_HOST"),
		NatsPort:          os.Getenv("RENDERQ_NATS_PORT"),
		ApiPort:           os.Getenv("RENDERQ_API_PORT"),
		MetricsPort:       os.Getenv("RENDERQ_METRICS_PORT"),
		ProviderBaseURL:   os.Getenv("RENDERQ_PROVIDER_BASE_URL"),
		ProviderAPIKey:    os.Getenv("RENDERQ_PROVIDER_API_KEY"),
		CallbackBaseURL:   os.Getenv("RENDERQ_CALLBACK_BASE_URL"),
		MediaStoreBaseURL: os.Getenv("RENDERQ_MEDIA_STORE_BASE_URL"),
		SweepInterval:     getEnvDuration("RENDERQ_SWEEP_INTERVAL", 5*time.Minute),
		StaleThreshold:    getEnvDuration("RENDERQ_STALE_THRESHOLD", 30*time.Minute),
		DispatchGroup:     getEnvDefault("RENDERQ_DISPATCH_GROUP", "dispatch_workers"),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: RENDERQ_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: RENDERQ_REDIS_HOST/PORT")
	}

	// Required: nats (dispatch triggers and lifecycle events ride on it)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: RENDERQ_NATS_HOST/PORT")
	}

	// Required: HTTP API (the provider webhook lands here)
	if cfg.ApiPort == "" {
		return nil, fmt.Errorf("missing required env: RENDERQ_API_PORT")
	}

	// Required: external collaborators
	if cfg.ProviderBaseURL == "" {
		return nil, fmt.Errorf("missing required env: RENDERQ_PROVIDER_BASE_URL")
	}
	if cfg.CallbackBaseURL == "" {
		return nil, fmt.Errorf("missing required env: RENDERQ_CALLBACK_BASE_URL")
	}
	if cfg.MediaStoreBaseURL == "" {
		return nil, fmt.Errorf("missing required env: RENDERQ_MEDIA_STORE_BASE_URL")
	}

	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("RENDERQ_STALE_THRESHOLD must be positive")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

// MetricsAddr returns the Prometheus listen address if metrics are enabled.
// Returns an error if RENDERQ_METRICS_PORT is unset — callers should skip
// starting the metrics server.
func (c *Config) MetricsAddr() (string, error) {
	if c.MetricsPort == "" {
		return "", fmt.Errorf("metrics are disabled (RENDERQ_METRICS_PORT is empty)")
	}
	return ":" + c.MetricsPort, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
