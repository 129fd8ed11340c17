// Package config provides application configuration loaded from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported embedding model variants.
const (
	EmbeddingModelCLIP     = "clip"
	EmbeddingModelOpenCLIP = "open_clip"
)

// Supported inference devices.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var (
	errPositive           = errors.New("must be a positive integer")
	errUnsupportedModel   = errors.New("unsupported EMBEDDING_MODEL")
	errUnsupportedDevice  = errors.New("unsupported INFERENCE_DEVICE")
	errModelDirRequired   = errors.New("model directory is required")
	errUnsupportedExport  = errors.New("unsupported exporter")
	errInvalidScoreThresh = errors.New("SEARCH_SCORE_THRESHOLD must be between -1 and 1")
	errInvalidAliases     = errors.New("IMAGE_ROOT_ALIASES entries must look like ALIAS=/dir")
)

// Config holds all application configuration.
type Config struct {
	Port     string
	APIKey   string
	LogLevel string

	// AlexNet classifier; empty dir disables /classify.
	ClassifierModelDir string
	ClassifierTopK     int

	// CLIP / open_clip embedding model; empty EmbeddingModel disables the embedding routes.
	EmbeddingModel     string
	EmbeddingModelDir  string
	EmbeddingModelName string

	OnnxRuntimeLibPath     string
	InferenceDevice        string
	InferenceDeviceID      int
	InferenceThreads       int
	InferenceMaxConcurrent int

	ImageRoot            string
	ImageRootAliases     map[string]string // portable img-path alias ("CACHES:abc.webp") to directory
	ImageCacheSize       int
	TextCacheSize        int
	MaxRequestBodyBytes  int64
	ImageFetchTimeout    time.Duration
	ImageFetchMaxRetries int

	// Image index; empty DatabaseURL disables /v1/images.
	DatabaseURL          string
	DatabaseMaxConns     int
	RiverMigrate         bool
	IndexWorkers         int
	IndexMaxAttempts     int
	IndexRateLimit       float64
	SearchScoreThreshold float64

	OtelMetricsExporter string
	OtelTracesExporter  string
	OtelServiceName     string

	ShutdownTimeout time.Duration
}

// ClassifierEnabled reports whether an AlexNet model directory is configured.
func (c *Config) ClassifierEnabled() bool {
	return c.ClassifierModelDir != ""
}

// EmbeddingEnabled reports whether an embedding model is configured.
func (c *Config) EmbeddingEnabled() bool {
	return c.EmbeddingModel != ""
}

// IndexEnabled reports whether the pgvector image index is configured.
func (c *Config) IndexEnabled() bool {
	return c.DatabaseURL != ""
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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

// getEnvAsDuration parses Go duration strings ("15s", "2m").
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

// parseAliases reads "CACHES=/data/cache,USERS=/data/users". Empty input yields nil.
func parseAliases(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil //nolint:nilnil // no aliases configured
	}

	aliases := make(map[string]string)

	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		alias, dir, ok := strings.Cut(entry, "=")
		alias, dir = strings.TrimSpace(alias), strings.TrimSpace(dir)

		if !ok || alias == "" || dir == "" || strings.ContainsAny(alias, ":/") {
			return nil, fmt.Errorf("%w: %q", errInvalidAliases, entry)
		}

		aliases[alias] = dir
	}

	return aliases, nil
}

// Load reads configuration from environment variables and returns a Config struct.
// It automatically loads .env file if it exists.
// Returns default values for any missing environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists. Skip logging when absent (e.g. env from secrets/parameter store).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	const (
		defaultMaxBodyBytes = 32 << 20
		defaultFetchTimeout = 15 * time.Second
		defaultShutdown     = 30 * time.Second
	)

	embeddingModel := strings.ToLower(strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")))

	aliases, err := parseAliases(os.Getenv("IMAGE_ROOT_ALIASES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     getEnv("PORT", "5000"),
		APIKey:   os.Getenv("API_KEY"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ClassifierModelDir: os.Getenv("CLASSIFIER_MODEL_DIR"),
		ClassifierTopK:     getEnvAsInt("CLASSIFIER_TOP_K", 5),

		EmbeddingModel:     embeddingModel,
		EmbeddingModelDir:  os.Getenv("EMBEDDING_MODEL_DIR"),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL_NAME", embeddingModel),

		OnnxRuntimeLibPath:     os.Getenv("ONNXRUNTIME_LIB_PATH"),
		InferenceDevice:        strings.ToLower(getEnv("INFERENCE_DEVICE", DeviceCPU)),
		InferenceDeviceID:      getEnvAsInt("INFERENCE_DEVICE_ID", 0),
		InferenceThreads:       getEnvAsInt("INFERENCE_THREADS", 0),
		InferenceMaxConcurrent: getEnvAsInt("INFERENCE_MAX_CONCURRENT", 4),

		ImageRoot:            os.Getenv("IMAGE_ROOT"),
		ImageRootAliases:     aliases,
		ImageCacheSize:       getEnvAsInt("IMAGE_CACHE_SIZE", 4096),
		TextCacheSize:        getEnvAsInt("TEXT_CACHE_SIZE", 1000),
		MaxRequestBodyBytes:  getEnvAsInt64("MAX_REQUEST_BODY_BYTES", defaultMaxBodyBytes),
		ImageFetchTimeout:    getEnvAsDuration("IMAGE_FETCH_TIMEOUT", defaultFetchTimeout),
		ImageFetchMaxRetries: getEnvAsInt("IMAGE_FETCH_MAX_RETRIES", 3),

		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DatabaseMaxConns:     getEnvAsInt("DATABASE_MAX_CONNS", 10),
		RiverMigrate:         getEnvAsBool("RIVER_MIGRATE", true),
		IndexWorkers:         getEnvAsInt("INDEX_WORKERS", 2),
		IndexMaxAttempts:     getEnvAsInt("INDEX_MAX_ATTEMPTS", 3),
		IndexRateLimit:       getEnvAsFloat("INDEX_RATE_LIMIT", 0),
		SearchScoreThreshold: getEnvAsFloat("SEARCH_SCORE_THRESHOLD", 0.2),

		OtelMetricsExporter: strings.ToLower(os.Getenv("OTEL_METRICS_EXPORTER")),
		OtelTracesExporter:  strings.ToLower(os.Getenv("OTEL_TRACES_EXPORTER")),
		OtelServiceName:     getEnv("OTEL_SERVICE_NAME", "hdir"),

		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", defaultShutdown),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	positive := []struct {
		key   string
		value int64
	}{
		{"CLASSIFIER_TOP_K", int64(c.ClassifierTopK)},
		{"INFERENCE_MAX_CONCURRENT", int64(c.InferenceMaxConcurrent)},
		{"IMAGE_CACHE_SIZE", int64(c.ImageCacheSize)},
		{"TEXT_CACHE_SIZE", int64(c.TextCacheSize)},
		{"MAX_REQUEST_BODY_BYTES", c.MaxRequestBodyBytes},
		{"INDEX_WORKERS", int64(c.IndexWorkers)},
		{"INDEX_MAX_ATTEMPTS", int64(c.IndexMaxAttempts)},
		{"DATABASE_MAX_CONNS", int64(c.DatabaseMaxConns)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s %w", p.key, errPositive)
		}
	}

	if c.InferenceThreads < 0 || c.ImageFetchMaxRetries < 0 || c.IndexRateLimit < 0 {
		return errors.New("INFERENCE_THREADS, IMAGE_FETCH_MAX_RETRIES and INDEX_RATE_LIMIT must not be negative")
	}

	switch c.EmbeddingModel {
	case "":
	case EmbeddingModelCLIP, EmbeddingModelOpenCLIP:
		if c.EmbeddingModelDir == "" {
			return fmt.Errorf("EMBEDDING_MODEL_DIR: %w", errModelDirRequired)
		}
	default:
		return fmt.Errorf("%w: %q (want %q or %q)", errUnsupportedModel, c.EmbeddingModel,
			EmbeddingModelCLIP, EmbeddingModelOpenCLIP)
	}

	switch c.InferenceDevice {
	case DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("%w: %q", errUnsupportedDevice, c.InferenceDevice)
	}

	switch c.OtelMetricsExporter {
	case "", "otlp", "prometheus":
	default:
		return fmt.Errorf("OTEL_METRICS_EXPORTER: %w: %q", errUnsupportedExport, c.OtelMetricsExporter)
	}

	switch c.OtelTracesExporter {
	case "", "otlp", "stdout":
	default:
		return fmt.Errorf("OTEL_TRACES_EXPORTER: %w: %q", errUnsupportedExport, c.OtelTracesExporter)
	}

	if c.SearchScoreThreshold < -1 || c.SearchScoreThreshold > 1 {
		return errInvalidScoreThresh
	}

	return nil
}
