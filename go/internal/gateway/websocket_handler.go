package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/remotestate"
)

// WebSocketHandler handles websocket upgrade requests for observers.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	defaultPath       string
}

// NewWebSocketHandler creates a websocket handler. Requests without a path
// parameter watch defaultPath.
func NewWebSocketHandler(cm *ConnectionManager, defaultPath string) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		defaultPath:       defaultPath,
	}
}

// HandleSessionConnection handles GET /ws/session?path=/timer/admin
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		raw = h.defaultPath
	}
	path, err := remotestate.CleanPath(raw)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	// the upgrader has already written an error response on failure
	if err := h.connectionManager.UpgradeConnection(w, r, path); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("failed to upgrade websocket connection")
	}
}

// HandleConnectionStats handles GET /ws/stats
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.GetConnectionStats())
}

// RegisterRoutes registers websocket routes with mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/session", h.HandleSessionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
