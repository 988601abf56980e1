package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/config"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
	"github.com/mcdev12/quizclock/go/internal/remotestate/natskv"
	"github.com/mcdev12/quizclock/go/internal/remotestate/pgstore"
	"github.com/mcdev12/quizclock/go/internal/remotestate/redisstore"
)

// backend is a remotestate.Store with a lifecycle.
type backend interface {
	remotestate.Store
	Close() error
}

// managedStore is the retrying store handed to the session plus the
// backend it wraps.
type managedStore struct {
	*remotestate.RetryingStore
	backend backend
}

func (s *managedStore) Close() error {
	return s.backend.Close()
}

// Ping reports backend health when the backend supports it.
func (s *managedStore) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func setupStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*managedStore, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	retry := remotestate.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	return &managedStore{
		RetryingStore: remotestate.NewRetryingStore(b, retry, clock),
		backend:       b,
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Store.Backend {
	case config.BackendNATS:
		nc := natskv.DefaultConfig()
		nc.URL = cfg.NATS.URL
		nc.Bucket = cfg.NATS.Bucket
		s, err := natskv.New(ctx, nc)
		if err != nil {
			return nil, fmt.Errorf("failed to open nats store: %w", err)
		}
		return s, nil

	case config.BackendRedis:
		rc := redisstore.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.Prefix = cfg.Redis.Prefix
		s, err := redisstore.New(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		pc := pgstore.DefaultConfig()
		pc.DatabaseURL = cfg.Database.DSN()
		pc.NotifyChannel = cfg.Database.NotifyChannel
		s, err := pgstore.New(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Str("database", cfg.Database.Database).
			Msg("connected to database")
		return s, nil

	default:
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return remotestate.NewMemoryStore(), nil
	}
}
