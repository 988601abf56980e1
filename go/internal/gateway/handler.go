package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quizclock/go/internal/models"
	"github.com/mcdev12/quizclock/go/internal/remotestate"
	"github.com/mcdev12/quizclock/go/internal/scoring"
	"github.com/mcdev12/quizclock/go/internal/session"
	"github.com/mcdev12/quizclock/go/internal/timer"
)

const maxBodyBytes = 4 << 10

// Session is the part of the session coordinator the HTTP API drives.
type Session interface {
	Start(ctx context.Context, ownerID string) error
	Pause(ctx context.Context, ownerID string) error
	Reset(ctx context.Context, ownerID string) error
	SetCurrentTime(ctx context.Context, ownerID string, value int) error
	TimerState(ctx context.Context, ownerID string) (timer.State, error)
	JoinTeam(ctx context.Context, teamID string) error
	SubmitAnswer(ctx context.Context, teamID, raw string) (models.Answer, error)
	ResolveRound(ctx context.Context, target *float64) (scoring.Resolution, error)
	RevealAnswers(ctx context.Context) error
	ClearAnswers(ctx context.Context) error
	Controls(ctx context.Context) (session.Controls, error)
}

// Handler serves the host HTTP API.
type Handler struct {
	session Session
}

// NewHandler creates a handler over s.
func NewHandler(s Session) *Handler {
	return &Handler{session: s}
}

// RegisterRoutes registers the API routes with mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/timers/{owner}/start", h.timerAction(Session.Start))
	mux.HandleFunc("POST /api/timers/{owner}/pause", h.timerAction(Session.Pause))
	mux.HandleFunc("POST /api/timers/{owner}/reset", h.timerAction(Session.Reset))
	mux.HandleFunc("PUT /api/timers/{owner}/current", h.HandleSetCurrentTime)
	mux.HandleFunc("GET /api/timers/{owner}", h.HandleGetTimer)

	mux.HandleFunc("POST /api/teams/{id}", h.HandleJoinTeam)
	mux.HandleFunc("POST /api/teams/{id}/answer", h.HandleSubmitAnswer)

	mux.HandleFunc("POST /api/round/resolve", h.HandleResolveRound)
	mux.HandleFunc("POST /api/round/reveal", h.HandleRevealAnswers)
	mux.HandleFunc("POST /api/round/clear", h.HandleClearAnswers)
	mux.HandleFunc("GET /api/round/controls", h.HandleControls)
}

func (h *Handler) timerAction(op func(Session, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := op(h.session, r.Context(), owner); err != nil {
			writeError(w, err)
			return
		}
		h.writeTimer(w, r, owner)
	}
}

type setCurrentTimeRequest struct {
	CurrentTime *int `json:"currentTime"`
}

// HandleSetCurrentTime handles PUT /api/timers/{owner}/current
func (h *Handler) HandleSetCurrentTime(w http.ResponseWriter, r *http.Request) {
	var req setCurrentTimeRequest
	if err := decodeBody(r, &req); err != nil || req.CurrentTime == nil {
		http.Error(w, "currentTime is required", http.StatusBadRequest)
		return
	}

	owner := r.PathValue("owner")
	if err := h.session.SetCurrentTime(r.Context(), owner, *req.CurrentTime); err != nil {
		writeError(w, err)
		return
	}
	h.writeTimer(w, r, owner)
}

// HandleGetTimer handles GET /api/timers/{owner}
func (h *Handler) HandleGetTimer(w http.ResponseWriter, r *http.Request) {
	h.writeTimer(w, r, r.PathValue("owner"))
}

type timerResponse struct {
	timer.State
	Phase string `json:"phase"`
}

func (h *Handler) writeTimer(w http.ResponseWriter, r *http.Request, owner string) {
	state, err := h.session.TimerState(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerResponse{State: state, Phase: state.Phase().String()})
}

// HandleJoinTeam handles POST /api/teams/{id}
func (h *Handler) HandleJoinTeam(w http.ResponseWriter, r *http.Request) {
	if err := h.session.JoinTeam(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitAnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

type submitAnswerResponse struct {
	Answer models.Answer `json:"answer"`
	Valid  bool          `json:"valid"`
}

// HandleSubmitAnswer handles POST /api/teams/{id}/answer. The answer may be
// a JSON number or string.
func (h *Handler) HandleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	raw := string(bytes.TrimSpace(req.Answer))
	var s string
	if err := json.Unmarshal(req.Answer, &s); err == nil {
		raw = s
	} else if raw == "null" {
		raw = ""
	}

	answer, err := h.session.SubmitAnswer(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitAnswerResponse{Answer: answer, Valid: answer.Valid})
}

type resolveRequest struct {
	Target *float64 `json:"target"`
}

// HandleResolveRound handles POST /api/round/resolve. Without a target the
// host's own answer is used.
func (h *Handler) HandleResolveRound(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.session.ResolveRound(r.Context(), req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRevealAnswers handles POST /api/round/reveal
func (h *Handler) HandleRevealAnswers(w http.ResponseWriter, r *http.Request) {
	if err := h.session.RevealAnswers(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearAnswers handles POST /api/round/clear
func (h *Handler) HandleClearAnswers(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearAnswers(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleControls handles GET /api/round/controls
func (h *Handler) HandleControls(w http.ResponseWriter, r *http.Request) {
	controls, err := h.session.Controls(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controls)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, timer.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, timer.ErrInvalidTime),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, remotestate.ErrInvalidPath),
		errors.Is(err, remotestate.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, timer.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
