package tus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wadevries/tusk/internal/chunk"
	"github.com/wadevries/tusk/internal/notify"
	"github.com/wadevries/tusk/internal/session"
	"github.com/wadevries/tusk/pkg/config"
)

// Protocol is the upload session state machine. It validates inbound
// operations against session state, coordinates the store and the chunk
// writer, and fires the completion notification exactly once per session.
type Protocol struct {
	cfg      config.UploadConfig
	store    session.Store
	writer   *chunk.Writer
	notifier notify.Notifier
	locks    *lockSet
}

// NewProtocol wires the state machine to its collaborators. cfg is treated
// as immutable.
func NewProtocol(cfg config.UploadConfig, store session.Store, writer *chunk.Writer, notifier notify.Notifier) *Protocol {
	return &Protocol{
		cfg:      cfg,
		store:    store,
		writer:   writer,
		notifier: notifier,
		locks:    newLockSet(),
	}
}

// CreateUpload allocates a new session: a fresh resource id, the session
// record, and a preallocated temporary file sized to totalSize.
func (p *Protocol) CreateUpload(ctx context.Context, filename string, totalSize int64, metadata map[string]string) (string, error) {
	if totalSize < 0 {
		return "", fmt.Errorf("%w: negative upload length", ErrProtocolViolation)
	}
	if totalSize > p.cfg.MaxSize {
		return "", fmt.Errorf("%w: %d exceeds maximum of %d", ErrTooLarge, totalSize, p.cfg.MaxSize)
	}

	if filename != "" && !p.cfg.Overwrite {
		if _, err := os.Lstat(filepath.Join(p.cfg.DestinationDir, filename)); err == nil {
			return "", fmt.Errorf("%w: file %q already exists", ErrConflict, filename)
		}
	}

	resourceID := uuid.New().String()

	if err := p.store.Create(ctx, resourceID, filename, totalSize, metadata, p.cfg.SessionTTL); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	if err := p.writer.Preallocate(ctx, resourceID, totalSize); err != nil {
		// The orphaned record is tolerated: without a backing file every
		// later operation on this id reports Gone, and the record expires
		// with its TTL.
		return "", fmt.Errorf("failed to preallocate upload: %w", err)
	}

	log.Info().
		Str("resource_id", resourceID).
		Str("filename", filename).
		Int64("total_size", totalSize).
		Msg("upload session created")

	return resourceID, nil
}

// Status reports the current offset and declared length with no side
// effects beyond the store's TTL touch.
func (p *Protocol) Status(ctx context.Context, resourceID string) (offset, totalSize int64, err error) {
	sess, err := p.store.Get(ctx, resourceID)
	if err != nil {
		if isNotFound(err) {
			return 0, 0, fmt.Errorf("%w: %s", ErrGone, resourceID)
		}
		return 0, 0, fmt.Errorf("failed to look up session: %w", err)
	}
	return sess.Offset, sess.TotalSize, nil
}

// Append validates and writes one chunk at claimedOffset. The whole
// check-write-increment sequence holds the session's exclusive lock so a
// retried request racing the original cannot double-write or overshoot.
// It returns the new offset and whether this append completed the upload.
func (p *Protocol) Append(ctx context.Context, resourceID string, claimedOffset int64, data []byte) (int64, bool, error) {
	release := p.locks.acquire(resourceID)
	defer release()

	sess, err := p.store.Get(ctx, resourceID)
	if err != nil {
		if isNotFound(err) {
			return 0, false, fmt.Errorf("%w: %s", ErrGone, resourceID)
		}
		return 0, false, fmt.Errorf("failed to look up session: %w", err)
	}

	if !p.writer.Exists(resourceID) {
		return 0, false, fmt.Errorf("%w: backing file for %s is missing", ErrGone, resourceID)
	}

	if claimedOffset != sess.Offset {
		return sess.Offset, false, fmt.Errorf("%w: request offset %d does not match stored offset %d",
			ErrConflict, claimedOffset, sess.Offset)
	}

	// An over-long chunk is rejected before anything is written, so no
	// rollback is ever needed and the session stays usable.
	if sess.Offset+int64(len(data)) > sess.TotalSize {
		return sess.Offset, false, fmt.Errorf("%w: chunk of %d bytes at offset %d exceeds declared length %d",
			ErrConflict, len(data), sess.Offset, sess.TotalSize)
	}

	if err := p.writer.WriteAt(ctx, resourceID, claimedOffset, data); err != nil {
		return sess.Offset, false, fmt.Errorf("failed to write chunk: %w", err)
	}

	newOffset, err := p.store.IncrementOffset(ctx, resourceID, int64(len(data)))
	if err != nil {
		return sess.Offset, false, fmt.Errorf("failed to advance offset: %w", err)
	}

	if newOffset < sess.TotalSize {
		return newOffset, false, nil
	}

	if err := p.complete(ctx, resourceID, sess); err != nil {
		return newOffset, true, err
	}

	return newOffset, true, nil
}

// complete finalizes a session whose offset has reached its declared length:
// the temporary file is renamed into the destination directory under a
// collision-avoiding name, the record is deleted, and the notifier fires.
func (p *Protocol) complete(ctx context.Context, resourceID string, sess *session.Session) error {
	finalName := freshToken()
	if sess.Filename != "" {
		finalName += "_" + sess.Filename
	}

	finalPath, err := p.writer.Finalize(ctx, resourceID, p.cfg.DestinationDir, finalName)
	if err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}

	if err := p.store.Delete(ctx, resourceID); err != nil {
		return fmt.Errorf("failed to delete completed session: %w", err)
	}

	log.Info().
		Str("resource_id", resourceID).
		Str("final_name", finalName).
		Int64("total_size", sess.TotalSize).
		Msg("upload completed")

	if err := p.notifier.UploadFinished(ctx, notify.FinishedUpload{
		Metadata:       sess.Metadata,
		Filename:       finalName,
		Path:           finalPath,
		Size:           sess.TotalSize,
		DestinationDir: p.cfg.DestinationDir,
	}); err != nil {
		return fmt.Errorf("failed to notify completion: %w", err)
	}

	return nil
}

// Terminate discards a session and its temporary file. A resource with
// neither a record nor a file is Gone.
func (p *Protocol) Terminate(ctx context.Context, resourceID string) error {
	release := p.locks.acquire(resourceID)
	defer release()

	_, err := p.store.Get(ctx, resourceID)
	known := err == nil
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to look up session: %w", err)
	}

	if !known && !p.writer.Exists(resourceID) {
		return fmt.Errorf("%w: %s", ErrGone, resourceID)
	}

	if err := p.store.Delete(ctx, resourceID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := p.writer.Remove(ctx, resourceID); err != nil {
		return fmt.Errorf("failed to remove temporary file: %w", err)
	}

	log.Info().Str("resource_id", resourceID).Msg("upload session terminated")

	return nil
}

// ProbeFile reports whether a file with the given name is already present
// in the destination directory, matched case-insensitively. The answer is
// advisory only: it races with concurrent creates and finalizations and
// carries no session state.
func (p *Protocol) ProbeFile(ctx context.Context, filename string) (bool, error) {
	if filename == "" {
		return false, nil
	}

	entries, err := os.ReadDir(p.cfg.DestinationDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to list destination directory: %w", err)
	}

	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), filename) {
			return true, nil
		}
	}

	return false, nil
}

// freshToken returns a 32-character hex token used to make final filenames
// collision free.
func freshToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
