package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/quizclock/go/internal/config"
	"github.com/mcdev12/quizclock/go/internal/gateway"
	"github.com/mcdev12/quizclock/go/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("quizclock exited with error")
	}
	log.Info().Msg("quizclock shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	store, err := setupStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	coord := session.NewCoordinator(store, session.Config{
		HostID:      cfg.Quiz.HostID,
		DefaultTime: cfg.Quiz.DefaultTimerSeconds,
	})
	defer func() {
		if err := coord.Close(); err != nil {
			log.Error().Err(err).Msg("failed to detach timers")
		}
	}()

	if err := coord.Open(ctx); err != nil {
		return err
	}
	if _, err := coord.Timer(ctx, cfg.Quiz.HostID); err != nil {
		return err
	}

	gwConfig := gateway.DefaultConfig()
	gwConfig.AllowedOrigins = cfg.AllowedOrigins
	gw := gateway.NewService(gwConfig, coord, store, store.Ping)

	server := setupServer(cfg, gw.Handler())

	log.Info().
		Str("addr", server.Addr).
		Str("store", cfg.Store.Backend).
		Str("host_id", cfg.Quiz.HostID).
		Int("default_timer_seconds", cfg.Quiz.DefaultTimerSeconds).
		Msg("starting quizclock")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Start(gctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
