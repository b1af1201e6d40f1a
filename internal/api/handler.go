//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wybert/earth-agent-gateway/internal/store"
)

// Handler provides the REST surface for sessions and health checks.
type Handler struct {
	repo     store.Repository
	sessions *store.Sessions
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, sessions *store.Sessions) *Handler {
	return &Handler{repo: repo, sessions: sessions}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Get("/active", h.handleActiveSession)
		r.Get("/{id}", h.handleGetSession)
	})
	r.Get("/api/health/db", h.handleDBHealth)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.sessions.SessionIDs(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

func (h *Handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.ActiveSessionID(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to read active session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"active": id})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.sessions.Session(r.Context(), id)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, session)
}

func (h *Handler) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
