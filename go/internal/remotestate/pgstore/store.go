// Package pgstore implements remotestate.Store on a Postgres table. Writes
// NOTIFY the changed path and revision; a single LISTEN connection fans the
// notifications out to subscriptions, which read the current value.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

//go:embed schema.sql
var schema string

// Config holds listener settings. DatabaseURL is shared by the pool and the
// LISTEN connection.
type Config struct {
	DatabaseURL   string
	NotifyChannel string
	PingInterval  time.Duration
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		NotifyChannel: "remote_state_changes",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
	}
}

// Store is a remotestate.Store backed by Postgres.
type Store struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      Config

	mu   sync.Mutex
	subs map[*remotestate.Subscription]*remotestate.Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
}

type notification struct {
	Path     string `json:"path"`
	Revision uint64 `json:"revision"`
}

// New opens the pool, applies the schema and starts listening.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		pool: pool,
		cfg:  cfg,
		subs: make(map[*remotestate.Subscription]*remotestate.Dispatcher),
		done: make(chan struct{}),
	}

	s.listener = pq.NewListener(cfg.DatabaseURL, cfg.MinReconnect, cfg.MaxReconnect, s.onListenerEvent)
	if err := s.listener.Listen(cfg.NotifyChannel); err != nil {
		_ = s.listener.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(lctx)

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for state notifications")
	return s, nil
}

func (s *Store) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Error().Err(err).Msg("state listener disconnected")
		s.markStale(true)
	case pq.ListenerEventReconnected:
		log.Info().Msg("state listener reconnected")
		s.markStale(false)
	case pq.ListenerEventConnectionAttemptFailed:
		log.Error().Err(err).Msg("state listener reconnect attempt failed")
	}
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.done)

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-s.listener.Notify:
			if note == nil {
				// sent after a reconnect; notifications may have been missed
				s.resyncAll(ctx)
				continue
			}
			var n notification
			if err := json.Unmarshal([]byte(note.Extra), &n); err != nil {
				log.Error().Err(err).Str("payload", note.Extra).Msg("malformed state notification")
				continue
			}
			s.fanOut(ctx, n)
		case <-pingTicker.C:
			if err := s.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("state listener ping failed")
			}
		}
	}
}

func (s *Store) fanOut(ctx context.Context, n notification) {
	s.mu.Lock()
	var targets []*remotestate.Dispatcher
	for sub, d := range s.subs {
		if remotestate.Within(n.Path, sub.Path) {
			targets = append(targets, d)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	entry, err := s.getLeaf(ctx, n.Path)
	if err != nil {
		log.Error().Err(err).Str("path", n.Path).Msg("failed to read notified path")
		return
	}
	ch := remotestate.Change{Path: n.Path, Value: entry.Value, Revision: entry.Revision}
	for _, d := range targets {
		d.Push(ch)
	}
}

func (s *Store) resyncAll(ctx context.Context) {
	s.mu.Lock()
	type target struct {
		path string
		disp *remotestate.Dispatcher
	}
	targets := make([]target, 0, len(s.subs))
	for sub, d := range s.subs {
		targets = append(targets, target{path: sub.Path, disp: d})
	}
	s.mu.Unlock()

	for _, t := range targets {
		entry, err := s.Get(ctx, t.path)
		if err != nil {
			if !errors.Is(err, remotestate.ErrNotFound) {
				log.Error().Err(err).Str("path", t.path).Msg("resync after reconnect failed")
			}
			continue
		}
		t.disp.Push(remotestate.Change{Path: entry.Path, Value: entry.Value, Revision: entry.Revision})
	}
}

// Get implements remotestate.Store.
func (s *Store) Get(ctx context.Context, path string) (remotestate.Entry, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return remotestate.Entry{}, err
	}

	if p != "/" {
		entry, err := s.getLeaf(ctx, p)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, remotestate.ErrNotFound) {
			return remotestate.Entry{}, err
		}
	}
	return s.collect(ctx, p)
}

func (s *Store) getLeaf(ctx context.Context, p string) (remotestate.Entry, error) {
	var (
		value []byte
		rev   int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, revision FROM remote_state WHERE path = $1 AND value IS NOT NULL`, p,
	).Scan(&value, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return remotestate.Entry{}, fmt.Errorf("%w: %s", remotestate.ErrNotFound, p)
	}
	if err != nil {
		return remotestate.Entry{}, fmt.Errorf("select %s: %w", p, err)
	}
	return remotestate.Entry{Path: p, Value: value, Revision: uint64(rev)}, nil
}

func (s *Store) collect(ctx context.Context, p string) (remotestate.Entry, error) {
	prefix := p
	if prefix == "/" {
		prefix = ""
	}

	rows, err := s.pool.Query(ctx,
		`SELECT path, value, revision FROM remote_state
		 WHERE path LIKE $1 ESCAPE '\' AND value IS NOT NULL`,
		escapeLike(prefix)+"/%",
	)
	if err != nil {
		return remotestate.Entry{}, fmt.Errorf("select beneath %s: %w", p, err)
	}
	defer rows.Close()

	leaves := make(map[string]json.RawMessage)
	var maxRev uint64
	for rows.Next() {
		var (
			leaf  string
			value []byte
			rev   int64
		)
		if err := rows.Scan(&leaf, &value, &rev); err != nil {
			return remotestate.Entry{}, fmt.Errorf("scan row: %w", err)
		}
		leaves[leaf] = value
		if uint64(rev) > maxRev {
			maxRev = uint64(rev)
		}
	}
	if err := rows.Err(); err != nil {
		return remotestate.Entry{}, fmt.Errorf("iterate rows: %w", err)
	}
	if len(leaves) == 0 {
		return remotestate.Entry{}, fmt.Errorf("%w: %s", remotestate.ErrNotFound, p)
	}

	value, err := remotestate.Assemble(p, leaves)
	if err != nil {
		return remotestate.Entry{}, err
	}
	return remotestate.Entry{Path: p, Value: value, Revision: maxRev}, nil
}

// Set implements remotestate.Store.
func (s *Store) Set(ctx context.Context, path string, value any) (uint64, error) {
	p, err := leafPath(path)
	if err != nil {
		return 0, err
	}
	raw, err := remotestate.MarshalValue(value)
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", p, err)
	}

	var rev uint64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		rev, err = s.put(ctx, tx, p, raw)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", p, err)
	}
	return rev, nil
}

// Update implements remotestate.Store. The row is locked for the
// read-merge-write.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	p, err := leafPath(path)
	if err != nil {
		return 0, err
	}

	var rev uint64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO remote_state (path, value, revision) VALUES ($1, NULL, 0)
			 ON CONFLICT (path) DO NOTHING`, p); err != nil {
			return err
		}

		var current []byte
		if err := tx.QueryRow(ctx,
			`SELECT value FROM remote_state WHERE path = $1 FOR UPDATE`, p,
		).Scan(&current); err != nil {
			return err
		}

		merged, err := remotestate.MergeFields(current, fields)
		if err != nil {
			return err
		}
		rev, err = s.put(ctx, tx, p, merged)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", p, err)
	}
	return rev, nil
}

// put upserts the value and queues the notification; it is delivered when
// the transaction commits.
func (s *Store) put(ctx context.Context, tx pgx.Tx, p string, raw json.RawMessage) (uint64, error) {
	value := pqtype.NullRawMessage{RawMessage: raw, Valid: len(raw) > 0}

	var rev int64
	err := tx.QueryRow(ctx,
		`INSERT INTO remote_state (path, value, revision, updated_at)
		 VALUES ($1, $2, nextval('remote_state_revision'), now())
		 ON CONFLICT (path) DO UPDATE
		 SET value = EXCLUDED.value, revision = EXCLUDED.revision, updated_at = now()
		 RETURNING revision`,
		p, value,
	).Scan(&rev)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(notification{Path: p, Revision: uint64(rev)})
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.cfg.NotifyChannel, string(payload)); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return uint64(rev), nil
}

// Subscribe implements remotestate.Store.
func (s *Store) Subscribe(ctx context.Context, path string, fn remotestate.ChangeFunc) (*remotestate.Subscription, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return nil, err
	}

	d := remotestate.NewDispatcher(fn)
	sub := remotestate.NewSubscription(p, d.Close)

	s.mu.Lock()
	s.subs[sub] = d
	s.mu.Unlock()

	log.Debug().Str("subscription_id", sub.ID).Str("path", p).Msg("postgres subscription registered")
	return sub, nil
}

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

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	for sub := range s.subs {
		sub.Close()
	}
	s.subs = make(map[*remotestate.Subscription]*remotestate.Dispatcher)
	s.mu.Unlock()

	err := s.listener.Close()
	s.pool.Close()
	return err
}

func leafPath(path string) (string, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return "", fmt.Errorf("%w: cannot write root", remotestate.ErrInvalidPath)
	}
	return p, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Ping checks the pool. Listener failures show up as stale subscriptions.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
