// Package remotestate defines the shared document store viewers synchronize
// through, plus the backends implementing it.
//
// Paths are slash separated ("/timer/admin"). Values are JSON documents. A
// subscription on a path observes that path and every path beneath it.
// Implementations never invoke a ChangeFunc on the goroutine performing the
// write, so callers may write while holding their own locks.
package remotestate

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at or beneath a path.
	ErrNotFound = errors.New("remotestate: not found")
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("remotestate: invalid path")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("remotestate: store closed")
	// ErrInvalidValue is returned when a value cannot be encoded as JSON.
	ErrInvalidValue = errors.New("remotestate: invalid value")
)

// Entry is a value read from the store.
type Entry struct {
	Path     string
	Value    json.RawMessage
	Revision uint64
}

// Change describes one write observed by a subscription.
type Change struct {
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value,omitempty"`
	Revision uint64          `json:"revision"`
	Deleted  bool            `json:"deleted,omitempty"`
}

// ChangeFunc receives changes for a subscription in write order per path.
type ChangeFunc func(Change)

// Store is the remote key/value document store.
type Store interface {
	// Get returns the value at path. When path holds no value but has
	// descendants, the descendants are assembled into a JSON object.
	Get(ctx context.Context, path string) (Entry, error)
	// Set replaces the value at path and returns the new revision.
	Set(ctx context.Context, path string, value any) (uint64, error)
	// Update merges fields into the object at path, creating it if needed.
	// A nil field value removes the field.
	Update(ctx context.Context, path string, fields map[string]any) (uint64, error)
	// Subscribe registers fn for changes at or beneath path.
	Subscribe(ctx context.Context, path string, fn ChangeFunc) (*Subscription, error)
	// Unsubscribe stops delivery for sub. Unsubscribing twice is a no-op.
	Unsubscribe(sub *Subscription) error
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID   string
	Path string

	stale    atomic.Bool
	canceled atomic.Bool
	cancel   func()
}

// NewSubscription is used by backends to create a handle; cancel stops delivery.
func NewSubscription(path string, cancel func()) *Subscription {
	return &Subscription{
		ID:     uuid.New().String(),
		Path:   path,
		cancel: cancel,
	}
}

// Stale reports whether delivery is currently interrupted. State observed
// through a stale subscription is kept but may be out of date.
func (s *Subscription) Stale() bool {
	if s == nil {
		return false
	}
	return s.stale.Load()
}

// SetStale is used by backends to flag interrupted delivery.
func (s *Subscription) SetStale(v bool) {
	s.stale.Store(v)
}

// Close runs the cancel func once and reports whether this call ran it.
func (s *Subscription) Close() bool {
	if !s.canceled.CompareAndSwap(false, true) {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Active reports whether the subscription has not been unsubscribed.
func (s *Subscription) Active() bool {
	return s != nil && !s.canceled.Load()
}
