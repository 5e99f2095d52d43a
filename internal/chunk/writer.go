package chunk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Writer manages the on-disk representation of in-progress uploads. Each
// upload owns exactly one temporary file in the working directory, named by
// its resource id, which is renamed out on finalization.
type Writer struct {
	uploadDir string
}

// NewWriter creates a writer rooted at uploadDir, creating it if needed.
func NewWriter(uploadDir string) (*Writer, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		log.Error().Err(err).Str("path", uploadDir).Msg("failed to create upload directory")
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	log.Info().Str("path", uploadDir).Msg("chunk writer initialized")
	return &Writer{uploadDir: uploadDir}, nil
}

func (w *Writer) tempPath(resourceID string) string {
	return filepath.Join(w.uploadDir, resourceID)
}

// Preallocate creates the temporary file sized to exactly totalSize bytes via
// sparse allocation, so later positioned writes never extend the file.
func (w *Writer) Preallocate(ctx context.Context, resourceID string, totalSize int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path := w.tempPath(resourceID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer file.Close()

	if totalSize > 0 {
		if _, err := file.Seek(totalSize-1, 0); err != nil {
			return fmt.Errorf("failed to seek to end of allocation: %w", err)
		}
		if _, err := file.Write([]byte{0}); err != nil {
			log.Error().Err(err).Str("resource_id", resourceID).Int64("total_size", totalSize).Msg("failed to preallocate file")
			return fmt.Errorf("failed to preallocate file: %w", err)
		}
	}

	log.Debug().
		Str("resource_id", resourceID).
		Int64("total_size", totalSize).
		Msg("temporary file preallocated")

	return nil
}

// WriteAt writes data fully at the given position in the upload's temporary
// file. The file must already exist; an unknown resource is an error.
func (w *Writer) WriteAt(ctx context.Context, resourceID string, position int64, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path := w.tempPath(resourceID)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("temporary file not found: %s: %w", resourceID, err)
		}
		log.Error().Err(err).Str("resource_id", resourceID).Msg("failed to open temporary file")
		return fmt.Errorf("failed to open temporary file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteAt(data, position); err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Int64("position", position).Msg("failed to write chunk")
		return fmt.Errorf("failed to write chunk: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync chunk: %w", err)
	}

	log.Debug().
		Str("resource_id", resourceID).
		Int64("position", position).
		Int("chunk_size", len(data)).
		Msg("chunk written")

	return nil
}

// Exists reports whether the upload's temporary file is present.
func (w *Writer) Exists(resourceID string) bool {
	_, err := os.Lstat(w.tempPath(resourceID))
	return err == nil
}

// Finalize atomically renames the temporary file into destinationDir under
// finalName and returns the final path. Destination is assumed to be on the
// same volume; cross-volume moves are out of scope.
func (w *Writer) Finalize(ctx context.Context, resourceID, destinationDir, finalName string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if err := os.MkdirAll(destinationDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	finalPath := filepath.Join(destinationDir, finalName)
	if err := os.Rename(w.tempPath(resourceID), finalPath); err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Str("final_path", finalPath).Msg("failed to finalize upload")
		return "", fmt.Errorf("failed to finalize upload: %w", err)
	}

	log.Info().
		Str("resource_id", resourceID).
		Str("final_path", finalPath).
		Msg("upload finalized")

	return finalPath, nil
}

// Remove deletes the upload's temporary file. Removing an absent file is not
// an error.
func (w *Writer) Remove(ctx context.Context, resourceID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(w.tempPath(resourceID)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Error().Err(err).Str("resource_id", resourceID).Msg("failed to remove temporary file")
		return fmt.Errorf("failed to remove temporary file: %w", err)
	}

	log.Debug().Str("resource_id", resourceID).Msg("temporary file removed")

	return nil
}

// Sweep deletes temporary files that have not been touched within maxAge,
// unless keep reports their resource id as still live. Session records
// expire in the store on their own; the backing files do not, so an
// orphaned file is reclaimed here once its record is gone. The keep check
// is what protects sessions whose record stays fresh (status polls refresh
// the TTL) while the file itself sits idle.
func (w *Writer) Sweep(ctx context.Context, maxAge time.Duration, keep func(resourceID string) bool) (int, error) {
	entries, err := os.ReadDir(w.uploadDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list upload directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if keep != nil && keep(entry.Name()) {
			continue
		}

		if err := os.Remove(filepath.Join(w.uploadDir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("name", entry.Name()).Msg("failed to sweep orphaned file")
			continue
		}
		removed++

		log.Info().Str("name", entry.Name()).Msg("swept orphaned temporary file")
	}

	return removed, nil
}
