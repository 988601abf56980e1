// Package redisstore implements remotestate.Store on Redis. Each path is a
// hash holding the JSON value and its revision; writes publish on a single
// channel that subscriptions filter by path.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// Config holds Redis settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and the change channel.
	Prefix        string
	ReconnectWait time.Duration
	MaxTxRetries  int
}

// DefaultConfig returns local development settings.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		Prefix:        "quiz",
		ReconnectWait: time.Second,
		MaxTxRetries:  10,
	}
}

// putScript bumps the revision counter, stores the value and announces the
// change atomically.
var putScript = redis.NewScript(`
local rev = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'rev', rev)
redis.call('PUBLISH', ARGV[2], cjson.encode({path = ARGV[3], value = ARGV[1], revision = rev}))
return rev
`)

// Store is a remotestate.Store backed by Redis.
type Store struct {
	client *redis.Client
	cfg    Config
	clock  clockwork.Clock

	mu   sync.Mutex
	subs map[*remotestate.Subscription]*redis.PubSub
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Str("prefix", cfg.Prefix).Msg("connected to redis")
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	return &Store{
		client: client,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		subs:   make(map[*remotestate.Subscription]*redis.PubSub),
	}
}

func (s *Store) key(p string) string {
	return s.cfg.Prefix + ":" + p
}

func (s *Store) revKey() string {
	return s.cfg.Prefix + ":__rev"
}

func (s *Store) channel() string {
	return s.cfg.Prefix + ":changes"
}

// message is the payload published by putScript.
type message struct {
	Path     string `json:"path"`
	Value    string `json:"value"`
	Revision uint64 `json:"revision"`
}

// Get implements remotestate.Store.
func (s *Store) Get(ctx context.Context, path string) (remotestate.Entry, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return remotestate.Entry{}, err
	}

	if p != "/" {
		fields, err := s.client.HGetAll(ctx, s.key(p)).Result()
		if err != nil {
			return remotestate.Entry{}, fmt.Errorf("hgetall %s: %w", p, err)
		}
		if v, ok := fields["value"]; ok {
			return remotestate.Entry{Path: p, Value: json.RawMessage(v), Revision: parseRev(fields["rev"])}, nil
		}
	}

	return s.collect(ctx, p)
}

func (s *Store) collect(ctx context.Context, p string) (remotestate.Entry, error) {
	pattern := s.key(escapeGlob(p)) + "/*"
	if p == "/" {
		pattern = s.key("/") + "*"
	}

	leaves := make(map[string]json.RawMessage)
	var rev uint64
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return remotestate.Entry{}, fmt.Errorf("hgetall %s: %w", key, err)
		}
		v, ok := fields["value"]
		if !ok {
			continue
		}
		leafPath := strings.TrimPrefix(key, s.cfg.Prefix+":")
		leaves[leafPath] = json.RawMessage(v)
		if r := parseRev(fields["rev"]); r > rev {
			rev = r
		}
	}
	if err := iter.Err(); err != nil {
		return remotestate.Entry{}, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(leaves) == 0 {
		return remotestate.Entry{}, fmt.Errorf("%w: %s", remotestate.ErrNotFound, p)
	}

	value, err := remotestate.Assemble(p, leaves)
	if err != nil {
		return remotestate.Entry{}, err
	}
	return remotestate.Entry{Path: p, Value: value, Revision: rev}, nil
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

	rev, err := putScript.Run(ctx, s.client, []string{s.key(p), s.revKey()}, string(raw), s.channel(), p).Uint64()
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", p, err)
	}
	return rev, nil
}

// Update implements remotestate.Store using WATCH on the path key.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) (uint64, error) {
	p, err := leafPath(path)
	if err != nil {
		return 0, err
	}
	key := s.key(p)

	var rev uint64
	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "value").Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		merged, err := remotestate.MergeFields(current, fields)
		if err != nil {
			return err
		}

		var cmd *redis.Cmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = putScript.Eval(ctx, pipe, []string{key, s.revKey()}, string(merged), s.channel(), p)
			return nil
		})
		if err != nil {
			return err
		}
		rev, err = cmd.Uint64()
		return err
	}

	for attempt := 0; attempt <= s.cfg.MaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return rev, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return 0, fmt.Errorf("update %s: %w", p, err)
		}
	}
	return 0, fmt.Errorf("update %s: too many concurrent writers", p)
}

// Subscribe implements remotestate.Store.
func (s *Store) Subscribe(ctx context.Context, path string, fn remotestate.ChangeFunc) (*remotestate.Subscription, error) {
	p, err := remotestate.CleanPath(path)
	if err != nil {
		return nil, err
	}

	ps := s.client.Subscribe(ctx, s.channel())
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	disp := remotestate.NewDispatcher(fn)
	sub := remotestate.NewSubscription(p, func() {
		cancel()
		_ = ps.Close()
		disp.Close()
	})

	s.mu.Lock()
	s.subs[sub] = ps
	s.mu.Unlock()

	go s.receive(rctx, sub, ps, disp)

	log.Debug().Str("subscription_id", sub.ID).Str("path", p).Msg("redis subscription registered")
	return sub, nil
}

func (s *Store) receive(ctx context.Context, sub *remotestate.Subscription, ps *redis.PubSub, disp *remotestate.Dispatcher) {
	delay := s.cfg.ReconnectWait
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !sub.Stale() {
				log.Warn().Err(err).Str("path", sub.Path).Msg("redis subscription interrupted")
			}
			sub.SetStale(true)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if sub.Stale() {
				sub.SetStale(false)
				delay = s.cfg.ReconnectWait
				log.Info().Str("path", sub.Path).Msg("redis subscription restored")
				s.resync(ctx, sub, disp)
			}
		case *redis.Message:
			var payload message
			if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
				log.Error().Err(err).Msg("malformed change message")
				continue
			}
			if !remotestate.Within(payload.Path, sub.Path) {
				continue
			}
			disp.Push(remotestate.Change{
				Path:     payload.Path,
				Value:    json.RawMessage(payload.Value),
				Revision: payload.Revision,
			})
		}
	}
}

func (s *Store) resync(ctx context.Context, sub *remotestate.Subscription, disp *remotestate.Dispatcher) {
	entry, err := s.Get(ctx, sub.Path)
	if err != nil {
		if !errors.Is(err, remotestate.ErrNotFound) {
			log.Error().Err(err).Str("path", sub.Path).Msg("resync after reconnect failed")
		}
		return
	}
	disp.Push(remotestate.Change{Path: entry.Path, Value: entry.Value, Revision: entry.Revision})
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

// Close drops subscriptions and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	for sub := range s.subs {
		sub.Close()
	}
	s.subs = make(map[*remotestate.Subscription]*redis.PubSub)
	s.mu.Unlock()
	return s.client.Close()
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

func parseRev(s string) uint64 {
	var rev uint64
	if _, err := fmt.Sscan(s, &rev); err != nil {
		return 0
	}
	return rev
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// Ping checks the redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
