package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/api/middleware"
	"github.com/drfirst/go-rxassist/internal/assistant"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
)

// Asker answers free-form questions
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// AssistantHandler handles the medical assistant endpoint
type AssistantHandler struct {
	asker   Asker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAssistantHandler creates a new handler
func NewAssistantHandler(asker Asker, m *metrics.Metrics, logger *zap.Logger) *AssistantHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssistantHandler{asker: asker, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *AssistantHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ask", h.Ask)
	return r
}

// AskRequest is the body of POST /assistant/ask
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the reply to an AskRequest
type AskResponse struct {
	Answer    string `json:"answer"`
	Available bool   `json:"available"`
}

// Ask handles POST /assistant/ask
func (h *AssistantHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	answer, err := h.asker.Ask(r.Context(), req.Question)
	switch {
	case errors.Is(err, assistant.ErrEmptyQuestion):
		h.metrics.AssistantRequests.WithLabelValues("rejected").Inc()
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.metrics.AssistantRequests.WithLabelValues("error").Inc()
		h.logger.Warn("assistant request failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		jsonError(w, "assistant request failed", http.StatusBadGateway)
		return
	}

	available := answer != assistant.UnavailableAnswer
	if available {
		h.metrics.AssistantRequests.WithLabelValues("answered").Inc()
	} else {
		h.metrics.AssistantRequests.WithLabelValues("unavailable").Inc()
	}
	writeJSON(w, http.StatusOK, AskResponse{Answer: answer, Available: available})
}
