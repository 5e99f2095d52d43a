package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Field suffixes under "tus-uploads/<id>/". Each field expires independently;
// a session is only considered live while all four are present.
const (
	fieldFilename = "filename"
	fieldFileSize = "file_size"
	fieldOffset   = "offset"
	fieldMetadata = "metadata"
)

// RedisStore implements Store on a shared Redis instance. Offset increments
// use INCRBY, so concurrent appends against the same id never lose an update.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore verifies connectivity and returns a store whose entries
// expire after ttl of inactivity.
func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func sessionKey(resourceID, field string) string {
	return fmt.Sprintf("tus-uploads/%s/%s", resourceID, field)
}

// Create writes the four session fields with add-if-absent semantics so a
// concurrent session under the same id is never silently overwritten.
func (s *RedisStore) Create(ctx context.Context, resourceID, filename string, totalSize int64, metadata map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	pipe := s.client.TxPipeline()
	added := []*redis.BoolCmd{
		pipe.SetNX(ctx, sessionKey(resourceID, fieldFilename), filename, ttl),
		pipe.SetNX(ctx, sessionKey(resourceID, fieldFileSize), totalSize, ttl),
		pipe.SetNX(ctx, sessionKey(resourceID, fieldOffset), 0, ttl),
		pipe.SetNX(ctx, sessionKey(resourceID, fieldMetadata), encoded, ttl),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for _, cmd := range added {
		if !cmd.Val() {
			return fmt.Errorf("%w: %s", ErrExists, resourceID)
		}
	}

	log.Debug().
		Str("resource_id", resourceID).
		Str("filename", filename).
		Int64("total_size", totalSize).
		Msg("session record created")

	return nil
}

// Get returns the session snapshot and refreshes the TTL on every field.
// The four fields are read with a single MGET so no concurrent increment
// can interleave between them.
func (s *RedisStore) Get(ctx context.Context, resourceID string) (*Session, error) {
	vals, err := s.client.MGet(ctx,
		sessionKey(resourceID, fieldFilename),
		sessionKey(resourceID, fieldFileSize),
		sessionKey(resourceID, fieldOffset),
		sessionKey(resourceID, fieldMetadata),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	fields := make([]string, len(vals))
	for i, val := range vals {
		// A nil field means it expired or never existed; either way the
		// whole session is treated as absent.
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, resourceID)
		}
		fields[i] = str
	}

	sess := &Session{Filename: fields[0]}

	if sess.TotalSize, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse session size: %w", err)
	}
	if sess.Offset, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse session offset: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[3]), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	s.touch(ctx, resourceID)

	return sess, nil
}

// IncrementOffset atomically advances the offset via INCRBY.
func (s *RedisStore) IncrementOffset(ctx context.Context, resourceID string, delta int64) (int64, error) {
	newOffset, err := s.client.IncrBy(ctx, sessionKey(resourceID, fieldOffset), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment offset: %w", err)
	}

	s.touch(ctx, resourceID)

	return newOffset, nil
}

// Delete removes all session fields; deleting twice is a no-op.
func (s *RedisStore) Delete(ctx context.Context, resourceID string) error {
	keys := []string{
		sessionKey(resourceID, fieldFilename),
		sessionKey(resourceID, fieldFileSize),
		sessionKey(resourceID, fieldOffset),
		sessionKey(resourceID, fieldMetadata),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	log.Debug().Str("resource_id", resourceID).Msg("session record deleted")

	return nil
}

// touch refreshes the TTL on every field so active sessions stay alive.
func (s *RedisStore) touch(ctx context.Context, resourceID string) {
	pipe := s.client.Pipeline()
	for _, field := range []string{fieldFilename, fieldFileSize, fieldOffset, fieldMetadata} {
		pipe.Expire(ctx, sessionKey(resourceID, field), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("resource_id", resourceID).Msg("failed to refresh session TTL")
	}
}
