package remotestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store. It backs tests and single-process
// sessions where every viewer lives in the same server.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]json.RawMessage
	revs     map[string]uint64
	revision uint64
	subs     map[*Subscription]*Dispatcher
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]json.RawMessage),
		revs:   make(map[string]uint64),
		subs:   make(map[*Subscription]*Dispatcher),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (Entry, error) {
	p, err := CleanPath(path)
	if err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}

	if v, ok := m.values[p]; ok {
		return Entry{Path: p, Value: append(json.RawMessage(nil), v...), Revision: m.revs[p]}, nil
	}

	leaves := make(map[string]json.RawMessage)
	var rev uint64
	for k, v := range m.values {
		if k != p && Within(k, p) {
			leaves[k] = v
			if m.revs[k] > rev {
				rev = m.revs[k]
			}
		}
	}
	if len(leaves) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	value, err := Assemble(p, leaves)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: p, Value: value, Revision: rev}, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, value any) (uint64, error) {
	p, err := CleanPath(path)
	if err != nil {
		return 0, err
	}
	raw, err := MarshalValue(value)
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", p, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.putLocked(p, raw), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	p, err := CleanPath(path)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	merged, err := MergeFields(m.values[p], fields)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", p, err)
	}
	return m.putLocked(p, merged), nil
}

func (m *MemoryStore) putLocked(p string, raw json.RawMessage) uint64 {
	m.revision++
	m.values[p] = raw
	m.revs[p] = m.revision

	ch := Change{Path: p, Value: raw, Revision: m.revision}
	for sub, d := range m.subs {
		if Within(p, sub.Path) {
			d.Push(ch)
		}
	}
	return m.revision
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (*Subscription, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	d := NewDispatcher(fn)
	sub := NewSubscription(p, d.Close)
	m.subs[sub] = d

	log.Debug().Str("subscription_id", sub.ID).Str("path", p).Msg("memory subscription registered")
	return sub, nil
}

// Unsubscribe implements Store.
func (m *MemoryStore) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
	sub.Close()
	return nil
}

// Close drops all subscriptions. Further calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.Close()
	}
	m.subs = nil
	return nil
}
