// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	// HTTP
	ListenAddr     string
	MaxConnections int

	// Storage
	DatabaseURL    string
	MaxDBConns     int32
	MigrationsPath string

	// Cache
	RedisURL   string
	MappingTTL time.Duration

	// Search index
	ElasticsearchURL      string
	ElasticsearchUser     string
	ElasticsearchPassword string
	BleveIndexPath        string
	IndexName             string

	// Ingestion
	BatchSize            int
	MassiveFileThreshold int64
	MassiveBatchSize     int
	TempDir              string

	// Search engine
	SearchTimeout  time.Duration
	BulkChunkSize  int
	BulkWorkers    int
	PerPartHardCap int
	WorkerCount    int
	WorkerQueue    int

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Rate limiting
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Optional collaborators
	LLMEndpoint string
	LLMAPIKey   string

	// Logging
	LogLevel   string
	LogConsole bool
}

// Default returns the configuration defaults. Load starts from these and
// overlays the environment.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8080",
		MaxConnections:       512,
		MaxDBConns:           10,
		MigrationsPath:       "",
		MappingTTL:           2 * time.Hour,
		BleveIndexPath:       "data/parts.bleve",
		IndexName:            "parts",
		BatchSize:            5000,
		MassiveFileThreshold: 100 * 1024 * 1024,
		MassiveBatchSize:     100000,
		TempDir:              os.TempDir(),
		SearchTimeout:        25 * time.Second,
		BulkChunkSize:        1000,
		BulkWorkers:          10,
		PerPartHardCap:       10000000,
		WorkerCount:          4,
		WorkerQueue:          64,
		TokenTTL:             24 * time.Hour,
		RateLimitPerSecond:   20,
		RateLimitBurst:       40,
		LogLevel:             "info",
	}
}

// Load builds a Config from the environment on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()

	cfg.ListenAddr = envStr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envStr("REDIS_URL", cfg.RedisURL)
	cfg.ElasticsearchURL = envStr("ELASTICSEARCH_URL", cfg.ElasticsearchURL)
	cfg.ElasticsearchUser = envStr("ELASTICSEARCH_USER", cfg.ElasticsearchUser)
	cfg.ElasticsearchPassword = envStr("ELASTICSEARCH_PASSWORD", cfg.ElasticsearchPassword)
	cfg.BleveIndexPath = envStr("BLEVE_INDEX_PATH", cfg.BleveIndexPath)
	cfg.IndexName = envStr("INDEX_NAME", cfg.IndexName)
	cfg.TempDir = envStr("UPLOAD_TEMP_DIR", cfg.TempDir)
	cfg.MigrationsPath = envStr("MIGRATIONS_PATH", cfg.MigrationsPath)
	cfg.JWTSecret = envStr("JWT_SECRET", cfg.JWTSecret)
	cfg.LLMEndpoint = envStr("LLM_ENDPOINT", cfg.LLMEndpoint)
	cfg.LLMAPIKey = envStr("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogConsole = envBool("LOG_CONSOLE", cfg.LogConsole)

	var err error
	if cfg.BatchSize, err = envInt("BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.MassiveBatchSize, err = envInt("MASSIVE_BATCH_SIZE", cfg.MassiveBatchSize); err != nil {
		return nil, err
	}
	if cfg.MassiveFileThreshold, err = envInt64("MASSIVE_FILE_THRESHOLD", cfg.MassiveFileThreshold); err != nil {
		return nil, err
	}
	if cfg.BulkWorkers, err = envInt("BULK_WORKERS", cfg.BulkWorkers); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	maxConns, err := envInt("MAX_DB_CONNS", int(cfg.MaxDBConns))
	if err != nil {
		return nil, err
	}
	cfg.MaxDBConns = int32(maxConns)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
