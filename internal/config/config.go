/**
 * Configuration for the Captcha Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/expression"
)

// OCR engine selections
const (
	OCREngineTesseract = "tesseract"
	OCREngineRemote    = "remote"
	OCREngineCascade   = "cascade"
)

// Config holds worker configuration
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Servers
	HTTPAddr       string
	GRPCAddr       string
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int

	// Redis configuration; empty disables the cache, job queue and list consumer
	RedisURL string
	CacheTTL time.Duration

	// Queue configuration
	QueueName         string // Redis LIST queue shared with Node producers
	AsynqQueue        string
	WorkerConcurrency int
	ProcessingTimeout time.Duration
	JobMaxRetry       int
	JobRetention      time.Duration

	// PostgreSQL configuration; empty disables recognition history
	DatabaseURL string

	// OCR configuration
	OCREngine       string
	TessdataPrefix  string
	OCRLanguage     string
	OCRWhitelist    string
	RemoteOCRURL    string
	PreprocessImage bool

	// Hosts imageUrl sources may be fetched from; empty disables URL sources
	ImageURLAllowedHosts []string

	// Expression heuristics
	NoiseTablePath   string
	MaxProcessedLen  int
	MaxExpressionLen int

	// Image value that short-circuits OCR with a canned captcha; empty disables
	TestModeToken string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
		HTTPAddr:          getEnvOrDefault("HTTP_ADDR", ":3000"),
		GRPCAddr:          getEnvOrDefault("GRPC_ADDR", ":3001"),
		MaxBodyBytes:      getEnvAsInt64OrDefault("MAX_BODY_BYTES", 5<<20), // 5MB
		RateLimitRPS:      getEnvAsFloatOrDefault("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getEnvAsIntOrDefault("RATE_LIMIT_BURST", 100),
		RedisURL:          getEnvOrDefault("REDIS_URL", ""),
		CacheTTL:          getEnvAsDurationOrDefault("CACHE_TTL", 10*time.Minute),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "captcha:jobs"),
		AsynqQueue:        getEnvOrDefault("ASYNQ_QUEUE", "captcha"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 30*time.Second),
		JobMaxRetry:       getEnvAsIntOrDefault("JOB_MAX_RETRY", 3),
		JobRetention:      getEnvAsDurationOrDefault("JOB_RETENTION", time.Hour),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		OCREngine:         strings.ToLower(getEnvOrDefault("OCR_ENGINE", OCREngineTesseract)),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		OCRLanguage:       getEnvOrDefault("OCR_LANGUAGE", "eng"),
		OCRWhitelist:      getEnvOrDefault("OCR_WHITELIST", "0123456789+-*/x=?"),
		RemoteOCRURL:      getEnvOrDefault("REMOTE_OCR_URL", ""),
		PreprocessImage:   getEnvAsBoolOrDefault("PREPROCESS_IMAGE", false),
		NoiseTablePath:    getEnvOrDefault("NOISE_TABLE_PATH", ""),
		MaxProcessedLen:   getEnvAsIntOrDefault("MAX_PROCESSED_LEN", 6),
		MaxExpressionLen:  getEnvAsIntOrDefault("MAX_EXPRESSION_LEN", 10),
		TestModeToken:     os.Getenv("TEST_MODE_TOKEN"),
	}
	if _, set := os.LookupEnv("TEST_MODE_TOKEN"); !set {
		cfg.TestModeToken = "test-captcha"
	}
	cfg.ImageURLAllowedHosts = getEnvAsListOrDefault("IMAGE_URL_ALLOWED_HOSTS", nil)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxBodyBytes < 1024 || c.MaxBodyBytes > 64<<20 { // 1KB to 64MB
		return fmt.Errorf("MAX_BODY_BYTES must be between 1KB and 64MB, got %d", c.MaxBodyBytes)
	}

	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive, got %v", c.ProcessingTimeout)
	}

	if c.JobMaxRetry < 0 {
		return fmt.Errorf("JOB_MAX_RETRY must not be negative, got %d", c.JobMaxRetry)
	}

	switch c.OCREngine {
	case OCREngineTesseract:
	case OCREngineRemote, OCREngineCascade:
		if c.RemoteOCRURL == "" {
			return fmt.Errorf("REMOTE_OCR_URL is required for OCR_ENGINE=%s", c.OCREngine)
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be one of tesseract, remote, cascade; got %q", c.OCREngine)
	}

	if _, err := c.ExtractorConfig(); err != nil {
		return err
	}

	return nil
}

// ExtractorConfig builds the expression heuristics, merging the optional noise
// table file over the built-in corrections.
func (c *Config) ExtractorConfig() (expression.Config, error) {
	ec := expression.DefaultConfig()
	ec.MaxProcessedLen = c.MaxProcessedLen
	ec.MaxExpressionLen = c.MaxExpressionLen

	if c.NoiseTablePath != "" {
		table, err := expression.LoadCorrections(c.NoiseTablePath)
		if err != nil {
			return ec, err
		}
		ec.Corrections = ec.Corrections.Merge(table)
	}

	if err := ec.Validate(); err != nil {
		return ec, fmt.Errorf("invalid expression heuristics: %w", err)
	}
	return ec, nil
}

// RedisEnabled reports whether cache and queue features are configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
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

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
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

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
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

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
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

// getEnvAsListOrDefault splits a comma-separated variable, dropping empty items
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			values = append(values, item)
		}
	}
	return values
}

// getEnvAsDurationOrDefault accepts Go durations ("30s") or plain milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}
