package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/wadevries/tusk/internal/notify"
)

// Processor is plugged into the asynq worker loop. It consumes the
// completion events the upload server enqueues.
type Processor struct{}

// NewProcessor constructs a worker processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Handler registers the finished-upload task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(notify.TaskUploadFinished, p.handleFinished)
	return mux
}

// handleFinished verifies the finalized file and records its checksum.
func (p *Processor) handleFinished(ctx context.Context, task *asynq.Task) error {
	var payload notify.FinishedUpload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	file, err := os.Open(payload.Path)
	if err != nil {
		return fmt.Errorf("open finalized file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return fmt.Errorf("checksum finalized file: %w", err)
	}

	if size != payload.Size {
		return fmt.Errorf("finalized file %s is %d bytes, expected %d", payload.Path, size, payload.Size)
	}

	log.Info().
		Str("filename", payload.Filename).
		Str("path", payload.Path).
		Int64("size", size).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Msg("finished upload processed")

	return nil
}
