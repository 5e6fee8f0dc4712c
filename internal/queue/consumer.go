/**
 * Queue Consumer for the Captcha Worker
 *
 * Consumes captcha:recognize tasks and runs them through the processor.
 * Uses Asynq for queue management, retries and result retention.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
)

// Consumer handles job consumption from the asynq queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.ProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisOpt          asynq.RedisConnOpt
	QueueName         string
	Concurrency       int
	Processor         processor.ProcessorInterface
	ProcessingTimeout time.Duration // default 30s
}

// RetryDelay is the exponential backoff between attempts: 5s, 10s, 20s, capped at 60s.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisOpt == nil {
		return nil, fmt.Errorf("RedisOpt is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}

	logger := logging.NewLogger("Consumer")

	server := asynq.NewServer(
		cfg.RedisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: RetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("Task processing error",
					"type", task.Type(),
					"retried", retried,
					"maxRetry", maxRetry,
					"error", err)
			}),
			Logger:          logger.Sugared(),
			ShutdownTimeout: cfg.ProcessingTimeout,
		},
	)

	consumer := newConsumer(cfg, logger)
	consumer.server = server

	return consumer, nil
}

func newConsumer(cfg *ConsumerConfig, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.NewLogger("Consumer")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}

	c := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	c.mux.HandleFunc(TypeRecognize, c.handleRecognize)
	return c
}

// Handler exposes the task router
func (c *Consumer) Handler() asynq.Handler {
	return c.mux
}

// Run processes tasks until ctx is cancelled, then shuts the server down.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	<-ctx.Done()

	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleRecognize processes one captcha:recognize task
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload RecognizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}
	log := c.logger.With("jobId", payload.JobID)

	timeout := c.config.ProcessingTimeout
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.Recognize(processCtx, &processor.RecognizeRequest{
		JobID:    payload.JobID,
		Image:    payload.Image,
		ImageURL: payload.ImageURL,
		Metadata: payload.Metadata,
	})

	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			err = errors.NewProcessingTimeoutError(payload.JobID, timeout, err)
		}

		c.processor.RecordFailure(ctx, payload.JobID, err, payload.Metadata)

		code := errors.CodeOf(errors.FromPipeline(payload.JobID, err))
		log.Warn("Recognition failed", "code", code, "duration", duration, "error", err)

		if !errors.Retryable(code) {
			return fmt.Errorf("recognition failed: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("recognition failed: %w", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %v: %w", err, asynq.SkipRetry)
	}
	if w := task.ResultWriter(); w != nil {
		if _, err := w.Write(data); err != nil {
			log.Warn("Failed to write task result", "error", err)
		}
	}

	log.Info("Recognition completed",
		"result", result.Result,
		"expression", result.Details.Expression,
		"duration", duration)

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"timeout":     c.config.ProcessingTimeout.String(),
	}
}
