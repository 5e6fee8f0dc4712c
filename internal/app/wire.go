// Package app assembles the worker's components from configuration. Both
// binaries build their pipeline through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/expression"
	"github.com/adverant/nexus/captcha-worker/internal/ocr"
	"github.com/adverant/nexus/captcha-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

// NewEngine selects the OCR engine named by OCR_ENGINE
func NewEngine(cfg *config.Config) (ocr.Engine, error) {
	local := tesseract.New(tesseract.Config{
		Language:       cfg.OCRLanguage,
		Whitelist:      cfg.OCRWhitelist,
		TessdataPrefix: cfg.TessdataPrefix,
	})

	switch cfg.OCREngine {
	case config.OCREngineTesseract:
		return local, nil
	case config.OCREngineRemote:
		return ocr.NewRemoteEngine(cfg.RemoteOCRURL, cfg.ProcessingTimeout), nil
	case config.OCREngineCascade:
		return ocr.NewCascadeEngine(local, ocr.NewRemoteEngine(cfg.RemoteOCRURL, cfg.ProcessingTimeout)), nil
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.OCREngine)
	}
}

// NewProcessor builds the recognition pipeline around engine. sm may be nil.
func NewProcessor(cfg *config.Config, engine ocr.Engine, sm *storage.StorageManager) (*processor.CaptchaProcessor, error) {
	extractorCfg, err := cfg.ExtractorConfig()
	if err != nil {
		return nil, err
	}
	extractor, err := expression.NewExtractor(extractorCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	var pre *ocr.Preprocessor
	if cfg.PreprocessImage {
		pre = ocr.NewPreprocessor()
	}

	return processor.NewCaptchaProcessor(&processor.ProcessorConfig{
		Engine:        engine,
		Preprocessor:  pre,
		Extractor:     extractor,
		Evaluator:     expression.NewEvaluator(expression.DefaultTraceLimits()),
		Storage:       sm,
		TestModeToken: cfg.TestModeToken,
		MaxImageBytes: cfg.MaxBodyBytes,

		AllowedImageHosts: cfg.ImageURLAllowedHosts,
	})
}

// Backends holds the optional storage connections
type Backends struct {
	Postgres *storage.PostgresClient
	Redis    *redis.Client
	Storage  *storage.StorageManager
}

// OpenBackends connects to whichever of PostgreSQL and Redis are configured
// and migrates the history schema.
func OpenBackends(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		b.Postgres = pg
	}

	var cache *storage.ResultCache
	if cfg.RedisEnabled() {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		b.Redis = redis.NewClient(opt)
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		cache = storage.NewResultCache(b.Redis, cfg.CacheTTL)
	}

	b.Storage = storage.NewStorageManager(b.Postgres, cache)
	return b, nil
}

// Close releases every open backend
func (b *Backends) Close() error {
	var errs []error
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if b.Postgres != nil {
		if err := b.Postgres.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsynqRedisOpt converts REDIS_URL into asynq connection options
func AsynqRedisOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	if !cfg.RedisEnabled() {
		return nil, fmt.Errorf("REDIS_URL is required for the job queue")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return opt, nil
}
