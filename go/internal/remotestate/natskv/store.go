// Package natskv implements remotestate.Store on a NATS JetStream KeyValue
// bucket. Paths map to keys by replacing slashes with dots, so a subscription
// on /teams watches "teams" and "teams.>".
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// Config holds connection and bucket settings.
type Config struct {
	URL           string
	Bucket        string
	History       uint8
	MaxReconnects int
	ReconnectWait time.Duration
	// RewatchWait is the first delay before re-creating a closed watcher.
	RewatchWait time.Duration
	// MaxCASRetries bounds optimistic Update retries on revision conflicts.
	MaxCASRetries int
}

// DefaultConfig returns the default bucket configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "QUIZ_STATE",
		History:       1,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		RewatchWait:   500 * time.Millisecond,
		MaxCASRetries: 10,
	}
}

// Store is a remotestate.Store backed by JetStream KV.
type Store struct {
	nc    *nats.Conn
	kv    jetstream.KeyValue
	cfg   Config
	clock clockwork.Clock

	mu   sync.Mutex
	subs map[*remotestate.Subscription]*watch
}

type watch struct {
	sub    *remotestate.Subscription
	disp   *remotestate.Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to NATS and creates or updates the KV bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		subs:  make(map[*remotestate.Subscription]*watch),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			s.markStale(true)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			s.markStale(false)
			go s.resyncAll()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Live quiz session state",
		History:     cfg.History,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure KV bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("url", nc.ConnectedUrl()).
		Msg("using JetStream KV bucket")

	s.nc = nc
	s.kv = kv
	return s, nil
}

// KeyFor maps a store path to a KV key.
func KeyFor(path string) (string, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return "", fmt.Errorf("%w: root has no key", remotestate.ErrInvalidPath)
	}
	segs := remotestate.Segments(p)
	for _, seg := range segs {
		if strings.ContainsAny(seg, ".*> ") {
			return "", fmt.Errorf("%w: %q", remotestate.ErrInvalidPath, path)
		}
	}
	return strings.Join(segs, "."), nil
}

// PathFor maps a KV key back to a store path.
func PathFor(key string) string {
	return "/" + strings.ReplaceAll(key, ".", "/")
}

// watchFilters returns the key filters covering path and its descendants.
func watchFilters(path string) ([]string, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return []string{">"}, nil
	}
	key, err := KeyFor(p)
	if err != nil {
		return nil, err
	}
	return []string{key, key + ".>"}, nil
}

// Get implements remotestate.Store.
func (s *Store) Get(ctx context.Context, path string) (remotestate.Entry, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return remotestate.Entry{}, err
	}

	if p != "/" {
		key, err := KeyFor(p)
		if err != nil {
			return remotestate.Entry{}, err
		}
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			return remotestate.Entry{Path: p, Value: entry.Value(), Revision: entry.Revision()}, nil
		case !errors.Is(err, jetstream.ErrKeyNotFound):
			return remotestate.Entry{}, fmt.Errorf("get %s: %w", key, err)
		}
	}

	return s.collect(ctx, p)
}

// collect reads every key beneath p through a short-lived watcher.
func (s *Store) collect(ctx context.Context, p string) (remotestate.Entry, error) {
	filter := ">"
	if p != "/" {
		key, err := KeyFor(p)
		if err != nil {
			return remotestate.Entry{}, err
		}
		filter = key + ".>"
	}

	w, err := s.kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return remotestate.Entry{}, fmt.Errorf("watch %s: %w", filter, err)
	}
	defer w.Stop()

	leaves := make(map[string]json.RawMessage)
	var rev uint64
	for {
		select {
		case <-ctx.Done():
			return remotestate.Entry{}, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return remotestate.Entry{}, fmt.Errorf("watch %s: closed", filter)
			}
			if entry == nil {
				// initial values delivered
				if len(leaves) == 0 {
					return remotestate.Entry{}, fmt.Errorf("%w: %s", remotestate.ErrNotFound, p)
				}
				value, err := remotestate.Assemble(p, leaves)
				if err != nil {
					return remotestate.Entry{}, err
				}
				return remotestate.Entry{Path: p, Value: value, Revision: rev}, nil
			}
			leaves[PathFor(entry.Key())] = entry.Value()
			if entry.Revision() > rev {
				rev = entry.Revision()
			}
		}
	}
}

// Set implements remotestate.Store.
func (s *Store) Set(ctx context.Context, path string, value any) (uint64, error) {
	key, err := KeyFor(path)
	if err != nil {
		return 0, err
	}
	raw, err := remotestate.MarshalValue(value)
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", path, err)
	}

	rev, err := s.kv.Put(ctx, key, raw)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

// Update implements remotestate.Store with a compare-and-set loop on the
// key revision.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	key, err := KeyFor(path)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt <= s.cfg.MaxCASRetries; attempt++ {
		var (
			current json.RawMessage
			last    uint64
		)
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value()
			last = entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return 0, fmt.Errorf("get %s: %w", key, err)
		}

		merged, err := remotestate.MergeFields(current, fields)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", path, err)
		}

		var rev uint64
		if last == 0 {
			rev, err = s.kv.Create(ctx, key, merged)
		} else {
			rev, err = s.kv.Update(ctx, key, merged, last)
		}
		if err == nil {
			return rev, nil
		}
		if !isRevisionConflict(err) {
			return 0, fmt.Errorf("update %s: %w", key, err)
		}

		log.Debug().
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("revision conflict, re-reading")
	}

	return 0, fmt.Errorf("update %s: too many revision conflicts", key)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Subscribe implements remotestate.Store.
func (s *Store) Subscribe(ctx context.Context, path string, fn remotestate.ChangeFunc) (*remotestate.Subscription, error) {
	filters, err := watchFilters(path)
	if err != nil {
		return nil, err
	}
	p, _ := remotestate.CleanPath(path)

	wctx, cancel := context.WithCancel(context.Background())
	disp := remotestate.NewDispatcher(fn)
	sub := remotestate.NewSubscription(p, func() {
		cancel()
		disp.Close()
	})
	w := &watch{sub: sub, disp: disp, ctx: wctx, cancel: cancel}

	for _, filter := range filters {
		kw, err := s.kv.Watch(wctx, filter, jetstream.UpdatesOnly())
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("watch %s: %w", filter, err)
		}
		go s.pump(w, filter, kw)
	}

	s.mu.Lock()
	s.subs[sub] = w
	s.mu.Unlock()

	log.Debug().Str("subscription_id", sub.ID).Str("path", p).Strs("filters", filters).Msg("KV watch started")
	return sub, nil
}

// pump forwards watcher entries and re-creates the watcher with backoff if
// it closes while the subscription is still active.
func (s *Store) pump(w *watch, filter string, kw jetstream.KeyWatcher) {
	delay := s.cfg.RewatchWait
	for {
		for entry := range kw.Updates() {
			if entry == nil {
				continue
			}
			w.disp.Push(toChange(entry))
		}
		_ = kw.Stop()

		if w.ctx.Err() != nil {
			return
		}

		w.sub.SetStale(true)
		log.Warn().Str("filter", filter).Dur("retry_in", delay).Msg("KV watcher closed, re-watching")

		select {
		case <-w.ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		// without UpdatesOnly the current values are re-delivered
		next, err := s.kv.Watch(w.ctx, filter)
		if err != nil {
			log.Error().Err(err).Str("filter", filter).Msg("re-watch failed")
			delay *= 2
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			kw = closedWatcher{}
			continue
		}
		kw = next
		delay = s.cfg.RewatchWait
		w.sub.SetStale(false)
	}
}

func toChange(entry jetstream.KeyValueEntry) remotestate.Change {
	ch := remotestate.Change{
		Path:     PathFor(entry.Key()),
		Revision: entry.Revision(),
	}
	if entry.Operation() == jetstream.KeyValuePut {
		ch.Value = entry.Value()
	} else {
		ch.Deleted = true
	}
	return ch
}

// closedWatcher stands in after a failed re-watch so pump retries.
type closedWatcher struct{}

func (closedWatcher) Updates() <-chan jetstream.KeyValueEntry {
	ch := make(chan jetstream.KeyValueEntry)
	close(ch)
	return ch
}

func (closedWatcher) Stop() error { return nil }

// Unsubscribe implements remotestate.Store.
func (s *Store) Unsubscribe(sub *remotestate.Subscription) error {
	if sub == nil {
		return nil
	}
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.Close()
	return nil
}

func (s *Store) markStale(stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.SetStale(stale)
	}
}

// resyncAll re-delivers the current value of every subscribed path so
// viewers catch up on writes missed while disconnected.
func (s *Store) resyncAll() {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.subs))
	for _, w := range s.subs {
		watches = append(watches, w)
	}
	s.mu.Unlock()

	for _, w := range watches {
		ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
		entry, err := s.Get(ctx, w.sub.Path)
		cancel()
		if err != nil {
			if !errors.Is(err, remotestate.ErrNotFound) {
				log.Error().Err(err).Str("path", w.sub.Path).Msg("resync after reconnect failed")
			}
			continue
		}
		w.disp.Push(remotestate.Change{Path: entry.Path, Value: entry.Value, Revision: entry.Revision})
	}
}

// Close stops every watcher and closes the NATS connection.
func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		sub.Close()
	}
	s.subs = make(map[*remotestate.Subscription]*watch)
	s.mu.Unlock()

	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// Ping reports an error unless the NATS connection is up.
func (s *Store) Ping(ctx context.Context) error {
	if s.nc == nil {
		return remotestate.ErrClosed
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats connection %s", s.nc.Status())
	}
	return nil
}
