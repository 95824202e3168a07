// Package config loads the server configuration from the environment and
// the namespace declarations from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/upload"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	DataDir     string
	BadgerDir   string
	// StateFile holds the process state snapshot written at shutdown.
	StateFile      string
	NamespacesFile string
	// CertKeyFile is the PEM Ed25519 key that signs the certification root.
	// It is generated on first start when missing.
	CertKeyFile string

	Limits upload.Limits

	RedisURL       string
	RateLimitRPS   float64
	RateLimitBurst int

	JWTPublicKey string

	OTELEnabled  bool
	OTLPEndpoint string

	// SchedulerInterval is the period of the maintenance tick.
	SchedulerInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getenv("DATA_DIR", "data")
	cfg := &Config{
		Port:              getenv("HELM_ASSETS_PORT", "8080"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDir:           dataDir,
		BadgerDir:         getenv("BADGER_DIR", filepath.Join(dataDir, "badger")),
		StateFile:         getenv("STATE_FILE", filepath.Join(dataDir, "state.cbor")),
		NamespacesFile:    os.Getenv("NAMESPACES_FILE"),
		CertKeyFile:       getenv("CERT_KEY_FILE", filepath.Join(dataDir, "cert.key")),
		Limits:            upload.DefaultLimits(),
		RedisURL:          os.Getenv("REDIS_URL"),
		RateLimitRPS:      20,
		RateLimitBurst:    40,
		JWTPublicKey:      os.Getenv("JWT_PUBLIC_KEY"),
		OTELEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SchedulerInterval: time.Second,
	}

	var err error
	if cfg.Limits.TTL, err = durationEnv("BATCH_TTL", cfg.Limits.TTL); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxChunkSize, err = uintEnv("MAX_CHUNK_SIZE", cfg.Limits.MaxChunkSize); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxAssetSize, err = uintEnv("MAX_ASSET_SIZE", cfg.Limits.MaxAssetSize); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = durationEnv("SCHEDULER_INTERVAL", cfg.SchedulerInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if cfg.RateLimitBurst, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
	}
	if cfg.Limits.MaxChunkSize == 0 || cfg.Limits.MaxChunkSize > cfg.Limits.MaxAssetSize {
		return nil, fmt.Errorf("MAX_CHUNK_SIZE must be between 1 and MAX_ASSET_SIZE")
	}
	return cfg, nil
}

// LiteMode reports whether proposals are kept in the local SQLite file
// instead of Postgres.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SQLitePath is the ledger database used in lite mode.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "assets.db")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func uintEnv(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
