// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-rxassist/internal/ml/forest"
)

// StoreKind selects the record store implementation
type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// Config holds application configuration
type Config struct {
	Port            string
	MetricsPort     string
	DatabaseURL     string
	DatasetPath     string
	PrecautionsPath string
	WatchDataset    bool
	Forest          forest.Config
	AdminAPIKeys    map[string]string
	KafkaBrokers    []string
	ConsumerGroup   string
	AssistantURL    string
	AssistantModel  string
	PDFFontPath     string
	OTLPEndpoint    string
	TracingEnabled  bool
	Environment     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		DatabaseURL:     getEnv("DATABASE_URL", "sqlite://rxassist.db"),
		DatasetPath:     getEnv("DATASET_PATH", "data/medical_prescription_dataset.csv"),
		PrecautionsPath: os.Getenv("PRECAUTIONS_PATH"),
		ConsumerGroup:   getEnv("CONSUMER_GROUP", "export-worker"),
		AssistantURL:    getEnv("ASSISTANT_URL", "http://localhost:11434"),
		AssistantModel:  getEnv("ASSISTANT_MODEL", "llama3.2"),
		PDFFontPath:     os.Getenv("PDF_FONT_PATH"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", "localhost:4317"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		Forest:          forest.DefaultConfig(),
		AdminAPIKeys:    make(map[string]string),
	}

	var err error
	if cfg.WatchDataset, err = getBool("WATCH_DATASET", false); err != nil {
		return nil, err
	}
	if cfg.TracingEnabled, err = getBool("TRACING_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.Forest.Trees, err = getInt("FOREST_TREES", cfg.Forest.Trees); err != nil {
		return nil, err
	}
	if cfg.Forest.MaxDepth, err = getInt("FOREST_MAX_DEPTH", cfg.Forest.MaxDepth); err != nil {
		return nil, err
	}
	seed, err := getInt("FOREST_SEED", int(cfg.Forest.Seed))
	if err != nil {
		return nil, err
	}
	cfg.Forest.Seed = int64(seed)

	timeout, err := getInt("SHUTDOWN_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownTimeout = time.Duration(timeout) * time.Second

	// ADMIN_API_KEYS is a comma separated list of key or client=key pairs.
	for _, entry := range splitList(os.Getenv("ADMIN_API_KEYS")) {
		client, key, ok := strings.Cut(entry, "=")
		if !ok {
			key, client = entry, "admin"
		}
		cfg.AdminAPIKeys[key] = client
	}
	cfg.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))

	if cfg.Forest.Trees < 1 {
		return nil, fmt.Errorf("FOREST_TREES must be positive, got %d", cfg.Forest.Trees)
	}
	if cfg.Forest.MaxDepth < 0 {
		return nil, fmt.Errorf("FOREST_MAX_DEPTH must not be negative, got %d", cfg.Forest.MaxDepth)
	}
	if _, err := cfg.Store(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Store returns the record store selected by DatabaseURL.
func (c *Config) Store() (StoreKind, error) {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return StorePostgres, nil
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"), strings.HasPrefix(c.DatabaseURL, "file:"):
		return StoreSQLite, nil
	default:
		return "", fmt.Errorf("unsupported DATABASE_URL scheme: %q", c.DatabaseURL)
	}
}

// SQLitePath returns the database file path for a sqlite:// or file: URL.
func (c *Config) SQLitePath() string {
	if p, ok := strings.CutPrefix(c.DatabaseURL, "sqlite://"); ok {
		return p
	}
	return c.DatabaseURL
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
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
