// Package gateway exposes a quiz session over HTTP: a JSON API and a Connect
// service for the host, and a websocket stream of store changes for observers.
package gateway

import (
	"context"
	"net/http"

	"connectrpc.com/grpcreflect"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/models"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	// DefaultWatchPath is streamed to observers that do not name a path.
	DefaultWatchPath string
}

// DefaultConfig returns default configuration for the gateway.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		AllowedOrigins:   []string{"*"},
		DefaultWatchPath: models.TimerPath(models.DefaultHostID),
	}
}

// Service wires the API handler and the observer stream onto one mux.
type Service struct {
	config            Config
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	handler           *Handler
	hostService       *HostService
	health            func(ctx context.Context) error
}

// NewService creates a gateway over the session and the store it writes to.
// health is consulted by /health; nil means always healthy.
func NewService(config Config, s Session, store remotestate.Store, health func(ctx context.Context) error) *Service {
	if config.DefaultWatchPath == "" {
		config.DefaultWatchPath = DefaultConfig().DefaultWatchPath
	}
	cm := NewConnectionManager(store, config.ConnectionConfig)
	return &Service{
		config:            config,
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, config.DefaultWatchPath),
		handler:           NewHandler(s),
		hostService:       NewHostService(s),
		health:            health,
	}
}

// Start runs the broadcast loop until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting quiz gateway service")
	return s.connectionManager.Start(ctx)
}

// GetStats returns connection statistics.
func (s *Service) GetStats() Stats {
	return s.connectionManager.GetConnectionStats()
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handler.RegisterRoutes(mux)
	s.wsHandler.RegisterRoutes(mux)
	s.hostService.RegisterHandlers(mux)
	mux.HandleFunc("GET /health", s.handleHealth)

	// reflection for grpcui/grpcurl
	reflector := grpcreflect.NewStaticReflector(HostServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			log.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}
