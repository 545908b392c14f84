package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

// ModelHandler exposes the loaded model's vocabulary and metadata
type ModelHandler struct {
	service *prescription.Service
}

// NewModelHandler creates a new handler
func NewModelHandler(service *prescription.Service) *ModelHandler {
	return &ModelHandler{service: service}
}

// Register adds the handler's routes to r
func (h *ModelHandler) Register(r chi.Router) {
	r.Get("/catalog", h.Catalog)
	r.Get("/model", h.Info)
}

// Catalog handles GET /catalog
func (h *ModelHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Catalog())
}

// Info handles GET /model
func (h *ModelHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Info())
}
