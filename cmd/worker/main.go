/**
 * Captcha Worker - Main Entry Point
 *
 * Go worker that reads arithmetic captchas and returns their value.
 *
 * Architecture:
 * - HTTP API for synchronous recognition and job submission
 * - gRPC health and reflection for orchestration probes
 * - Asynq consumer for Redis-backed recognition jobs
 * - Redis LIST consumer for jobs pushed by the Node.js producer
 * - PostgreSQL recognition history and Redis result cache (both optional)
 *
 * OCR engines (OCR_ENGINE):
 * - tesseract: local, single-line page segmentation with an operator whitelist
 * - remote: vision OCR service over HTTP
 * - cascade: tesseract first, remote when it reads nothing
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/captcha-worker/internal/api"
	"github.com/adverant/nexus/captcha-worker/internal/app"
	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
)

func main() {
	if err := run(); err != nil {
		logging.NewLogger("Main").Error("Worker exited with error", "error", err)
		logging.Sync()
		fmt.Fprintf(os.Stderr, "captcha worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log := logging.NewLogger("Main")

	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Debug(".env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	defer logging.Sync()
	log = logging.NewLogger("Main")

	log.Info("Captcha worker starting",
		"ocrEngine", cfg.OCREngine,
		"redis", cfg.RedisEnabled(),
		"history", cfg.DatabaseURL != "",
		"imageUrlHosts", len(cfg.ImageURLAllowedHosts),
		"workers", cfg.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage (PostgreSQL history + Redis cache)
	backends, err := app.OpenBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("Error closing storage", "error", err)
		}
	}()

	engine, err := app.NewEngine(cfg)
	if err != nil {
		return err
	}
	proc, err := app.NewProcessor(cfg, engine, backends.Storage)
	if err != nil {
		return err
	}
	log.Info("Captcha processor initialized", "engine", engine.Name(), "preprocess", cfg.PreprocessImage)

	serverCfg := &api.ServerConfig{
		Addr:           cfg.HTTPAddr,
		Processor:      proc,
		Storage:        backends.Storage,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Stats: map[string]api.StatsFunc{
			"storage": func(ctx context.Context) (interface{}, error) {
				return backends.Storage.GetStats(ctx), nil
			},
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisEnabled() {
		redisOpt, err := app.AsynqRedisOpt(cfg)
		if err != nil {
			return err
		}

		producer := queue.NewProducer(redisOpt, queue.ProducerConfig{
			QueueName: cfg.AsynqQueue,
			MaxRetry:  cfg.JobMaxRetry,
			Timeout:   cfg.ProcessingTimeout,
			Retention: cfg.JobRetention,
		})
		defer producer.Close()
		serverCfg.Jobs = producer

		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisOpt:          redisOpt,
			QueueName:         cfg.AsynqQueue,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(gctx) })
		serverCfg.Stats["asynq"] = func(ctx context.Context) (interface{}, error) {
			return consumer.GetStatistics(), nil
		}

		listConsumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			Client:            backends.Redis,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err != nil {
			return err
		}
		if err := listConsumer.Start(); err != nil {
			return err
		}
		serverCfg.Stats["listQueue"] = func(ctx context.Context) (interface{}, error) {
			return listConsumer.GetStats(ctx)
		}
		g.Go(func() error {
			<-gctx.Done()
			return listConsumer.Stop()
		})
	} else {
		log.Warn("REDIS_URL not set; job queue, list consumer and result cache disabled")
	}

	server, err := api.NewServer(serverCfg)
	if err != nil {
		return err
	}
	g.Go(func() error { return server.Run(gctx) })

	grpcServer := api.NewGRPCServer(cfg.GRPCAddr, backends.Storage.Ping, 0)
	g.Go(func() error { return grpcServer.Run(gctx) })

	log.Info("Captcha worker is READY",
		"http", cfg.HTTPAddr,
		"grpc", cfg.GRPCAddr,
		"asynqQueue", cfg.AsynqQueue,
		"listQueue", cfg.QueueName)

	err = g.Wait()
	log.Info("Shutdown complete")
	return err
}
