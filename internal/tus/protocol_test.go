package tus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadevries/tusk/internal/chunk"
	"github.com/wadevries/tusk/internal/notify"
	"github.com/wadevries/tusk/internal/session"
	"github.com/wadevries/tusk/pkg/config"
)

// recordingNotifier captures completion events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.FinishedUpload
	err    error
}

func (n *recordingNotifier) UploadFinished(ctx context.Context, upload notify.FinishedUpload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, upload)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type testEnv struct {
	proto    *Protocol
	store    session.Store
	writer   *chunk.Writer
	notifier *recordingNotifier
	cfg      config.UploadConfig
}

func setupProtocol(t *testing.T, mutate func(*config.UploadConfig)) *testEnv {
	t.Helper()

	cfg := config.UploadConfig{
		UploadDir:      filepath.Join(t.TempDir(), "uploads"),
		DestinationDir: filepath.Join(t.TempDir(), "media"),
		MaxSize:        1 << 20,
		Overwrite:      true,
		SessionTTL:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	writer, err := chunk.NewWriter(cfg.UploadDir)
	require.NoError(t, err)

	store := session.NewMemoryStore(cfg.SessionTTL)
	notifier := &recordingNotifier{}

	return &testEnv{
		proto:    NewProtocol(cfg, store, writer, notifier),
		store:    store,
		writer:   writer,
		notifier: notifier,
		cfg:      cfg,
	}
}

func TestProtocol_RoundTrip(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	metadata := map[string]string{"filename": "hello.txt", "owner": "alice"}
	id, err := env.proto.CreateUpload(ctx, "hello.txt", 10, metadata)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	offset, totalSize, err := env.proto.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, int64(10), totalSize)

	newOffset, completed, err := env.proto.Append(ctx, id, 0, []byte("hell"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), newOffset)
	assert.False(t, completed)

	newOffset, completed, err = env.proto.Append(ctx, id, 4, []byte("o worl"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), newOffset)
	assert.True(t, completed)

	// Exactly one completion event with the original metadata.
	require.Equal(t, 1, env.notifier.count())
	event := env.notifier.events[0]
	assert.Equal(t, metadata, event.Metadata)
	assert.Equal(t, int64(10), event.Size)
	assert.Equal(t, env.cfg.DestinationDir, event.DestinationDir)

	// The finalized file carries the bytes in order at their positions.
	content, err := os.ReadFile(event.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello worl", string(content))

	// The final name avoids collisions but keeps the original filename.
	assert.Contains(t, event.Filename, "_hello.txt")

	// The session is gone once completed.
	_, _, err = env.proto.Status(ctx, id)
	assert.ErrorIs(t, err, ErrGone)

	_, _, err = env.proto.Append(ctx, id, 10, []byte("x"))
	assert.ErrorIs(t, err, ErrGone)
}

func TestProtocol_ZeroLengthUpload(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "empty.txt", 0, nil)
	require.NoError(t, err)

	// A zero-length session is already at its declared length, so the
	// first empty append finalizes it.
	newOffset, completed, err := env.proto.Append(ctx, id, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), newOffset)
	assert.True(t, completed)

	require.Equal(t, 1, env.notifier.count())
	event := env.notifier.events[0]
	assert.Equal(t, int64(0), event.Size)

	content, err := os.ReadFile(event.Path)
	require.NoError(t, err)
	assert.Empty(t, content)

	_, _, err = env.proto.Status(ctx, id)
	assert.ErrorIs(t, err, ErrGone)
}

func TestProtocol_OffsetsAreMonotonic(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 30, nil)
	require.NoError(t, err)

	var last int64
	var written int64
	for _, chunkSize := range []int64{7, 3, 10, 10} {
		offset, _, err := env.proto.Append(ctx, id, last, make([]byte, chunkSize))
		require.NoError(t, err)
		written += chunkSize
		assert.GreaterOrEqual(t, offset, last)
		assert.Equal(t, written, offset)
		last = offset
	}
}

func TestProtocol_AppendOffsetMismatch(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 10, nil)
	require.NoError(t, err)

	_, _, err = env.proto.Append(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)

	// A stale retry at the old offset is rejected without side effects.
	_, _, err = env.proto.Append(ctx, id, 0, []byte("abcd"))
	assert.ErrorIs(t, err, ErrConflict)

	offset, _, err := env.proto.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), offset)
	assert.Equal(t, 0, env.notifier.count())
}

func TestProtocol_AppendPastDeclaredLength(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 6, nil)
	require.NoError(t, err)

	_, _, err = env.proto.Append(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)

	// A chunk that would overshoot the declared length is rejected before
	// anything is written, and the session stays usable.
	_, _, err = env.proto.Append(ctx, id, 4, []byte("toolong"))
	assert.ErrorIs(t, err, ErrConflict)

	offset, _, err := env.proto.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), offset)

	_, completed, err := env.proto.Append(ctx, id, 4, []byte("ef"))
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestProtocol_UnknownResource(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	_, _, err := env.proto.Status(ctx, "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, ErrGone)

	_, _, err = env.proto.Append(ctx, "11111111-2222-3333-4444-555555555555", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrGone)
}

func TestProtocol_AppendWithMissingBackingFile(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 10, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.cfg.UploadDir, id)))

	_, _, err = env.proto.Append(ctx, id, 0, []byte("abcd"))
	assert.ErrorIs(t, err, ErrGone)
}

func TestProtocol_CreateRejectsInvalidSizes(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	_, err := env.proto.CreateUpload(ctx, "big.bin", env.cfg.MaxSize+1, nil)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = env.proto.CreateUpload(ctx, "neg.bin", -1, nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestProtocol_OverwritePolicy(t *testing.T) {
	t.Run("disabled rejects existing filename", func(t *testing.T) {
		env := setupProtocol(t, func(cfg *config.UploadConfig) {
			cfg.Overwrite = false
		})
		ctx := context.Background()

		require.NoError(t, os.MkdirAll(env.cfg.DestinationDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(env.cfg.DestinationDir, "taken.txt"), []byte("old"), 0644))

		_, err := env.proto.CreateUpload(ctx, "taken.txt", 10, nil)
		assert.ErrorIs(t, err, ErrConflict)

		// Nothing was allocated.
		entries, err := os.ReadDir(env.cfg.UploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("enabled proceeds normally", func(t *testing.T) {
		env := setupProtocol(t, nil)
		ctx := context.Background()

		require.NoError(t, os.MkdirAll(env.cfg.DestinationDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(env.cfg.DestinationDir, "taken.txt"), []byte("old"), 0644))

		id, err := env.proto.CreateUpload(ctx, "taken.txt", 10, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})
}

func TestProtocol_Terminate(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 10, nil)
	require.NoError(t, err)

	require.NoError(t, env.proto.Terminate(ctx, id))

	_, _, err = env.proto.Status(ctx, id)
	assert.ErrorIs(t, err, ErrGone)

	err = env.proto.Terminate(ctx, id)
	assert.ErrorIs(t, err, ErrGone)
}

func TestProtocol_ProbeFile(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	exists, err := env.proto.ProbeFile(ctx, "anything.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.MkdirAll(env.cfg.DestinationDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.DestinationDir, "Report.PDF"), []byte("x"), 0644))

	// Matching is case-insensitive.
	exists, err = env.proto.ProbeFile(ctx, "report.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = env.proto.ProbeFile(ctx, "")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProtocol_ConcurrentRetriesAppendOnce(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 4, nil)
	require.NoError(t, err)

	// Simulate a client retry racing the original request: both claim
	// offset 0, but only one may pass the synchronization check.
	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = env.proto.Append(ctx, id, 0, []byte("same"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ErrConflict) || errors.Is(err, ErrGone))
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.notifier.count())
}

func TestProtocol_SweepSparesLiveSessions(t *testing.T) {
	env := setupProtocol(t, nil)
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 10, nil)
	require.NoError(t, err)

	// A session can stay alive through status polls while its file sits
	// idle past the TTL; the sweep must not take the file out from under
	// the live record.
	old := time.Now().Add(-2 * env.cfg.SessionTTL)
	require.NoError(t, os.Chtimes(filepath.Join(env.cfg.UploadDir, id), old, old))

	live := func(resourceID string) bool {
		_, err := env.store.Get(ctx, resourceID)
		return err == nil
	}

	removed, err := env.writer.Sweep(ctx, env.cfg.SessionTTL, live)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, _, err = env.proto.Status(ctx, id)
	require.NoError(t, err)

	offset, _, err := env.proto.Append(ctx, id, 0, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), offset)

	// Once the record is gone the aged file is an orphan and is reclaimed.
	require.NoError(t, env.store.Delete(ctx, id))
	require.NoError(t, os.Chtimes(filepath.Join(env.cfg.UploadDir, id), old, old))

	removed, err = env.writer.Sweep(ctx, env.cfg.SessionTTL, live)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestProtocol_NotifierFailureSurfaces(t *testing.T) {
	env := setupProtocol(t, nil)
	env.notifier.err = errors.New("queue unavailable")
	ctx := context.Background()

	id, err := env.proto.CreateUpload(ctx, "data.bin", 4, nil)
	require.NoError(t, err)

	_, completed, err := env.proto.Append(ctx, id, 0, []byte("data"))
	assert.True(t, completed)
	assert.Error(t, err)

	// The upload itself was finalized before the handoff failed.
	entries, readErr := os.ReadDir(env.cfg.DestinationDir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1)
}
