package remotestate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset")

// flakyStore fails the first failures writes and reads.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, path string) (Entry, error) {
	if err := f.fail(); err != nil {
		return Entry{}, err
	}
	return f.MemoryStore.Get(ctx, path)
}

func (f *flakyStore) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.MemoryStore.Update(ctx, path, fields)
}

func newFlaky(failures int32) *flakyStore {
	f := &flakyStore{MemoryStore: NewMemoryStore()}
	f.failures.Store(failures)
	return f
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, time.Duration(0), cfg.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(5))
	assert.Equal(t, time.Second, cfg.Backoff(30))
}

func TestRetryingStore_SucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(2)
	defer flaky.Close()
	r := NewRetryingStore(flaky, fastRetry(5), clockwork.NewRealClock())

	rev, err := r.Update(ctx, "/teams/A", map[string]any{"score": 1})
	require.NoError(t, err)
	assert.NotZero(t, rev)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetryingStore_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(100)
	defer flaky.Close()
	r := NewRetryingStore(flaky, fastRetry(3), clockwork.NewRealClock())

	_, err := r.Update(ctx, "/teams/A", map[string]any{"score": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteWrite)
	assert.ErrorIs(t, err, errFlaky)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 3, we.Attempts)
	assert.Equal(t, "/teams/A", we.Path)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetryingStore_DoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(0)
	defer flaky.Close()
	r := NewRetryingStore(flaky, fastRetry(5), nil)

	_, err := r.Get(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrRemoteWrite)
	assert.Equal(t, int32(1), flaky.calls.Load())

	_, err = r.Update(ctx, "relative", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestRetryingStore_StopsOnContextCancel(t *testing.T) {
	flaky := newFlaky(100)
	defer flaky.Close()
	clock := clockwork.NewFakeClock()
	r := NewRetryingStore(flaky, RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Update(ctx, "/teams/A", map[string]any{"score": 1})
		errCh <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop after cancel")
	}
}
