package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

var (
	// ErrJobNotFound is returned for an id the queue does not know.
	ErrJobNotFound = stderrors.New("job not found")
	// ErrDuplicateJob is returned when a job id is already enqueued.
	ErrDuplicateJob = stderrors.New("job id already exists")
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	QueueName string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration // how long completed jobs and their results stay readable
}

// Producer submits recognition jobs and reads their state back
type Producer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	config    ProducerConfig
}

// JobStatus is the externally visible state of a job
type JobStatus struct {
	ID          string          `json:"jobId"`
	State       string          `json:"state"`
	Retried     int             `json:"retried"`
	MaxRetry    int             `json:"maxRetry"`
	LastError   string          `json:"lastError,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// NewProducer creates a producer over the given Redis connection
func NewProducer(redisOpt asynq.RedisConnOpt, cfg ProducerConfig) *Producer {
	if cfg.QueueName == "" {
		cfg.QueueName = "captcha"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Producer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		config:    cfg,
	}
}

// Enqueue submits a job and returns its id. A missing JobID is generated.
func (p *Producer) Enqueue(ctx context.Context, payload *RecognizePayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}

	opts := []asynq.Option{
		asynq.TaskID(payload.JobID),
		asynq.Queue(p.config.QueueName),
		asynq.MaxRetry(p.config.MaxRetry),
		asynq.Retention(p.config.Retention),
	}
	if p.config.Timeout > 0 {
		opts = append(opts, asynq.Timeout(p.config.Timeout))
	}

	task, err := NewRecognizeTask(payload, opts...)
	if err != nil {
		return "", err
	}

	info, err := p.client.EnqueueContext(ctx, task)
	if stderrors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, payload.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return info.ID, nil
}

// GetJob reads a job's state and, once completed, its result
func (p *Producer) GetJob(ctx context.Context, id string) (*JobStatus, error) {
	info, err := p.inspector.GetTaskInfo(p.config.QueueName, id)
	if stderrors.Is(err, asynq.ErrTaskNotFound) || stderrors.Is(err, asynq.ErrQueueNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect job: %w", err)
	}

	status := &JobStatus{
		ID:        info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if len(info.Result) > 0 && json.Valid(info.Result) {
		status.Result = json.RawMessage(info.Result)
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt
		status.CompletedAt = &completed
	}
	return status, nil
}

// Close releases the client and inspector connections
func (p *Producer) Close() error {
	clientErr := p.client.Close()
	inspectorErr := p.inspector.Close()
	return stderrors.Join(clientErr, inspectorErr)
}
