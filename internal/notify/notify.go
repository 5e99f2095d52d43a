package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskUploadFinished is enqueued exactly once per completed upload.
	TaskUploadFinished = "upload:finished"
)

// FinishedUpload is the completion handoff payload: everything a downstream
// consumer needs to pick up the finalized file.
type FinishedUpload struct {
	Metadata       map[string]string `json:"metadata"`
	Filename       string            `json:"filename"`
	Path           string            `json:"path"`
	Size           int64             `json:"size"`
	DestinationDir string            `json:"destination_dir"`
}

// Notifier is invoked once per completed upload session.
type Notifier interface {
	UploadFinished(ctx context.Context, upload FinishedUpload) error
}

// QueueNotifier hands completed uploads to an asynq task queue.
type QueueNotifier struct {
	client *asynq.Client
}

// NewQueueNotifier constructs a queue-backed notifier.
func NewQueueNotifier(client *asynq.Client) *QueueNotifier {
	return &QueueNotifier{client: client}
}

// UploadFinished enqueues an upload:finished task.
func (n *QueueNotifier) UploadFinished(ctx context.Context, upload FinishedUpload) error {
	data, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskUploadFinished, data)
	if _, err := n.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue finished task: %w", err)
	}
	return nil
}
