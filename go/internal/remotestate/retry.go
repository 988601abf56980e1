package remotestate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrRemoteWrite marks a write that kept failing after every retry.
var ErrRemoteWrite = errors.New("remotestate: remote write failed")

// WriteError reports a persistent write failure.
type WriteError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrRemoteWrite, e.Err}
}

// RetryConfig bounds the exponential backoff of RetryingStore.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the retry settings used by the server.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.BaseDelay <= 0 {
		return 0
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// RetryingStore wraps a Store and retries failed reads and writes.
// Subscriptions pass through; backends handle their own reconnects.
type RetryingStore struct {
	next  Store
	cfg   RetryConfig
	clock clockwork.Clock
}

// NewRetryingStore wraps next. A nil clock uses the real clock.
func NewRetryingStore(next Store, cfg RetryConfig, clock clockwork.Clock) *RetryingStore {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RetryingStore{next: next, cfg: cfg, clock: clock}
}

// Get implements Store. ErrNotFound is returned immediately.
func (r *RetryingStore) Get(ctx context.Context, path string) (Entry, error) {
	var entry Entry
	err := r.do(ctx, "get", path, func() error {
		var err error
		entry, err = r.next.Get(ctx, path)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Set implements Store.
func (r *RetryingStore) Set(ctx context.Context, path string, value any) (uint64, error) {
	var rev uint64
	err := r.do(ctx, "set", path, func() error {
		var err error
		rev, err = r.next.Set(ctx, path, value)
		return err
	})
	return rev, r.writeError(path, err)
}

// Update implements Store.
func (r *RetryingStore) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	var rev uint64
	err := r.do(ctx, "update", path, func() error {
		var err error
		rev, err = r.next.Update(ctx, path, fields)
		return err
	})
	return rev, r.writeError(path, err)
}

// Subscribe implements Store.
func (r *RetryingStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (*Subscription, error) {
	return r.next.Subscribe(ctx, path, fn)
}

// Unsubscribe implements Store.
func (r *RetryingStore) Unsubscribe(sub *Subscription) error {
	return r.next.Unsubscribe(sub)
}

type attemptsError struct {
	attempts int
	err      error
}

func (e *attemptsError) Error() string { return e.err.Error() }
func (e *attemptsError) Unwrap() error { return e.err }

func (r *RetryingStore) writeError(path string, err error) error {
	if err == nil {
		return nil
	}
	var ae *attemptsError
	if errors.As(err, &ae) {
		return &WriteError{Path: path, Attempts: ae.attempts, Err: ae.err}
	}
	return err
}

func (r *RetryingStore) do(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.cfg.Backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Msg("remote state call failed, retrying")
	}

	return &attemptsError{attempts: r.cfg.MaxAttempts, err: lastErr}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidValue),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
