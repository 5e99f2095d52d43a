package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no session exists for a resource id, or
	// when any of its fields has expired.
	ErrNotFound = errors.New("session not found")

	// ErrExists is returned when creating a session whose resource id is
	// already taken.
	ErrExists = errors.New("session already exists")
)

// Session is a snapshot of one resumable upload's metadata.
type Session struct {
	Filename  string            `json:"filename"`
	TotalSize int64             `json:"total_size"`
	Offset    int64             `json:"offset"`
	Metadata  map[string]string `json:"metadata"`
}

// Store is the source of truth for upload session state. Implementations
// must make IncrementOffset linearizable with respect to concurrent
// increments on the same resource id.
type Store interface {
	// Create writes a new session with offset 0 and the given TTL. It never
	// overwrites an existing session; a colliding id yields ErrExists.
	Create(ctx context.Context, resourceID, filename string, totalSize int64, metadata map[string]string, ttl time.Duration) error

	// Get returns a consistent snapshot of the session, refreshing its TTL.
	// A session with any field missing is reported as ErrNotFound.
	Get(ctx context.Context, resourceID string) (*Session, error)

	// IncrementOffset atomically adds delta to the stored offset and returns
	// the post-increment value. This is the only sanctioned offset mutation.
	IncrementOffset(ctx context.Context, resourceID string, delta int64) (int64, error)

	// Delete removes all fields for the resource. Deleting an absent session
	// is a no-op.
	Delete(ctx context.Context, resourceID string) error
}
