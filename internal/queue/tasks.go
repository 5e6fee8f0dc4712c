package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeRecognize is the asynq task type for captcha recognition jobs.
const TypeRecognize = "captcha:recognize"

// RecognizePayload is the task payload. One of Image and ImageURL is set.
type RecognizePayload struct {
	JobID    string                 `json:"jobId"`
	Image    string                 `json:"image,omitempty"`
	ImageURL string                 `json:"imageUrl,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the payload before it is enqueued.
func (p *RecognizePayload) Validate() error {
	if p.Image == "" && p.ImageURL == "" {
		return fmt.Errorf("payload needs an image or imageUrl")
	}
	return nil
}

// NewRecognizeTask encodes payload as a TypeRecognize task.
func NewRecognizeTask(payload *RecognizePayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeRecognize, data, opts...), nil
}
