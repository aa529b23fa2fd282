// Package api provides HTTP handlers for the relay gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/puppet-relay/internal/identity"
	"github.com/ashureev/puppet-relay/internal/relay"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 4 << 10

// Relay is the engine behind the end-user endpoints.
type Relay interface {
	Query(ctx context.Context, userID int64, text string) error
	Action(ctx context.Context, userID int64, token string) error
	Welcome() string
}

// Handler serves the end-user API.
type Handler struct {
	relay  Relay
	stream http.Handler
	logger *slog.Logger
}

// NewHandler creates a handler. stream serves the delivery WebSocket.
func NewHandler(r Relay, stream http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: r, stream: stream, logger: logger}
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
func Error(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, map[string]string{"error": kind, "message": message})
}

// StatusFor maps relay errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, relay.ErrUpstreamUnavailable), errors.Is(err, relay.ErrUpstreamError):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) relayError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		h.logger.Error("Relay request failed", "path", r.URL.Path, "user_id", identity.UserIDFromContext(r.Context()), "ip", identity.IPFromRequest(r), "error", err)
	}
	Error(w, status, relay.Kind(err), relay.UserMessage(err))
}

// RegisterRoutes registers the identity-scoped API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Post("/api/query", h.Query)
		r.Post("/api/action", h.Action)
		r.Get("/api/start", h.Start)
		if h.stream != nil {
			r.Get("/ws", h.stream.ServeHTTP)
		}
	})
}

type queryRequest struct {
	Text string `json:"text"`
}

type actionRequest struct {
	Token string `json:"token"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return false
	}
	return true
}

// Query starts a new search for the caller.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "invalid_request", "Please provide a search query.")
		return
	}
	if err := h.relay.Query(r.Context(), identity.UserIDFromContext(r.Context()), req.Text); err != nil {
		h.relayError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Action applies an action token for the caller.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.relay.Action(r.Context(), identity.UserIDFromContext(r.Context()), req.Token); err != nil {
		h.relayError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Start returns the welcome text.
func (h *Handler) Start(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"text": h.relay.Welcome()})
}
