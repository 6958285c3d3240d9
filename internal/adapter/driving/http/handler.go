package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Wyydra/duo/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/Wyydra/duo/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Controller is the part of the matchmaking controller the control API
// drives.
type Controller interface {
	Snapshot() domain.Snapshot
	StartSearch(ctx context.Context) error
	StopSearch(ctx context.Context) error
	Approve(ctx context.Context) error
	Reject(ctx context.Context) error
	EndConversation(ctx context.Context) error
	RestartICE(ctx context.Context) error
}

type Handler struct {
	Controller  Controller
	Diagnostics port.DiagnosticsRepository
	Hub         *ws.Hub
	Origins     []string
	log         zerolog.Logger
}

func NewHandler(controller Controller, diagnostics port.DiagnosticsRepository, hub *ws.Hub, origins []string, log zerolog.Logger) *Handler {
	return &Handler{
		Controller:  controller,
		Diagnostics: diagnostics,
		Hub:         hub,
		Origins:     origins,
		log:         log,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)

	r.Get("/status", h.status)
	r.Get("/diagnostics", h.diagnostics)
	r.Get("/events", h.ServeEvents)

	r.Post("/search/start", h.command(Controller.StartSearch))
	r.Post("/search/stop", h.command(Controller.StopSearch))
	r.Post("/decision/approve", h.command(Controller.Approve))
	r.Post("/decision/reject", h.command(Controller.Reject))
	r.Post("/conversation/end", h.command(Controller.EndConversation))
	r.Post("/conversation/restart-ice", h.command(Controller.RestartICE))

	return r
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Snapshot())
}

func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := h.Diagnostics.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []domain.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, items)
}

// command adapts a controller action to a POST endpoint that answers
// with the resulting snapshot.
func (h *Handler) command(action func(Controller, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := action(h.Controller, r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, h.Controller.Snapshot())
		case errors.Is(err, domain.ErrInvalidState):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Command failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
