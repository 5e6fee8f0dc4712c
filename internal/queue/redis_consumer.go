/**
 * Direct Redis Queue Consumer for the Captcha Worker
 *
 * Compatible with the TypeScript RedisQueue producer.
 * Uses simple Redis LIST operations for perfect compatibility.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    RedisJobPayload `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
}

// RedisJobPayload contains the actual job data
type RedisJobPayload struct {
	JobID      string                 `json:"jobId"`
	Image      string                 `json:"-"` // base64 or data URL, set by UnmarshalJSON
	ImageBytes []byte                 `json:"-"` // raw bytes from a Node.js Buffer, set by UnmarshalJSON
	ImageURL   string                 `json:"imageUrl,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts the image either as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *RedisJobPayload) UnmarshalJSON(data []byte) error {
	type Alias RedisJobPayload
	aux := &struct {
		Image interface{} `json:"image,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	switch v := aux.Image.(type) {
	case nil:
	case string:
		p.Image = v
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBytes = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBytes[i] = byte(byteVal)
		}
	default:
		return fmt.Errorf("image must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes the image back as base64 so re-queued jobs round-trip.
func (p RedisJobPayload) MarshalJSON() ([]byte, error) {
	type Alias RedisJobPayload
	image := p.Image
	if image == "" && len(p.ImageBytes) > 0 {
		image = base64.StdEncoding.EncodeToString(p.ImageBytes)
	}
	return json.Marshal(&struct {
		Image string `json:"image,omitempty"`
		Alias
	}{
		Image: image,
		Alias: Alias(p),
	})
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client    *redis.Client
	processor processor.ProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	Client            *redis.Client // owned by the caller
	QueueName         string
	Concurrency       int
	Processor         processor.ProcessorInterface
	ProcessingTimeout time.Duration // default 30s
	PollTimeout       time.Duration // BRPOP block time, default 5s
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "captcha:jobs"
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
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    cfg.Client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer, letting in-flight jobs finish
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer")
	c.cancel()
	c.wg.Wait()
	return nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.processNextJob(); err != nil {
				if stderrors.Is(err, errNoJobs) {
					continue
				}
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Warn("Worker error", "worker", id, "error", err)
				// Small delay before trying again
				select {
				case <-time.After(time.Second):
				case <-c.ctx.Done():
					return
				}
			}
		}
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	queueID := result[1]

	// The job is off the list now; finish it even if Stop is called meanwhile
	ctx := context.WithoutCancel(c.ctx)

	jobData, err := c.client.HGet(ctx, c.key("data"), queueID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(ctx, queueID, StatusFailed, map[string]interface{}{
			"error": fmt.Sprintf("malformed job: %v", err),
		})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		job.ID = queueID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(ctx, job.ID, StatusProcessing, nil)

	recognition, err := c.processJob(ctx, &job)
	if err != nil {
		coded := errors.FromPipeline(job.Payload.JobID, err)
		code := errors.CodeOf(coded)
		job.Attempts++

		if errors.Retryable(code) && job.Attempts < job.MaxRetries {
			requeueErr := c.requeue(ctx, &job)
			if requeueErr == nil {
				c.logger.Warn("Job re-queued for retry",
					"jobId", job.Payload.JobID,
					"attempt", job.Attempts,
					"maxRetries", job.MaxRetries,
					"error", err)
				return nil
			}
			// A job that cannot be put back is failed rather than left in no set
			c.logger.Error("Failed to re-queue job", "jobId", job.Payload.JobID, "error", requeueErr)
			err = stderrors.Join(err, requeueErr)
		}

		c.processor.RecordFailure(ctx, job.Payload.JobID, err, job.Payload.Metadata)

		failure := map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		}
		var pe *errors.ProcessingError
		if stderrors.As(coded, &pe) {
			for k, v := range pe.ToMap() {
				failure[k] = v
			}
		}
		c.updateJobStatus(ctx, job.ID, StatusFailed, failure)
		c.logger.Warn("Job failed", "jobId", job.Payload.JobID, "code", code, "error", err)
		return nil
	}

	c.updateJobStatus(ctx, job.ID, StatusCompleted, recognition)
	c.logger.Info("Job completed", "jobId", job.Payload.JobID, "result", recognition.Result)
	return nil
}

// requeue stores the updated attempt count and pushes the job back atomically
func (c *RedisConsumer) requeue(ctx context.Context, job *RedisJobData) error {
	updatedData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.ID, updatedData)
	pipe.SRem(ctx, c.key(StatusProcessing), job.ID)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to re-queue job: %w", err)
	}
	return nil
}

// processJob runs the recognition under the processing timeout
func (c *RedisConsumer) processJob(ctx context.Context, job *RedisJobData) (*processor.RecognitionResult, error) {
	timeout := c.config.ProcessingTimeout
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.Recognize(processCtx, &processor.RecognizeRequest{
		JobID:      job.Payload.JobID,
		Image:      job.Payload.Image,
		ImageBytes: job.Payload.ImageBytes,
		ImageURL:   job.Payload.ImageURL,
		Metadata:   job.Payload.Metadata,
	})
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
			return nil, errors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

// Job status values shared with the TypeScript producer
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// updateJobStatus moves the job between status sets, stores its outcome and
// publishes an event for WebSocket streaming
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID string, status string, result interface{}) {
	pipe := c.client.TxPipeline()

	switch status {
	case StatusProcessing:
		pipe.SAdd(ctx, c.key(StatusProcessing), jobID)
	case StatusCompleted:
		pipe.SRem(ctx, c.key(StatusProcessing), jobID)
		pipe.SAdd(ctx, c.key(StatusCompleted), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			pipe.HSet(ctx, c.key("results"), jobID, resultData)
		}
	case StatusFailed:
		pipe.SRem(ctx, c.key(StatusProcessing), jobID)
		pipe.SAdd(ctx, c.key(StatusFailed), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			pipe.HSet(ctx, c.key("errors"), jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	pipe.Publish(ctx, c.key("events"), eventData)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to update job status", "jobId", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key(StatusProcessing))
	completed := pipe.SCard(ctx, c.key(StatusCompleted))
	failed := pipe.SCard(ctx, c.key(StatusFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
