package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/api/middleware"
	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/reload"
)

// ModelReloader retrains and swaps the running model
type ModelReloader interface {
	TryReload(ctx context.Context) (prescription.ModelInfo, error)
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	store    prescription.RecordStore
	reloader ModelReloader
	logger   *zap.Logger
}

// NewAdminHandler creates a new handler. reloader may be nil when no dataset
// is configured.
func NewAdminHandler(store prescription.RecordStore, reloader ModelReloader, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{store: store, reloader: reloader, logger: logger}
}

// Routes returns the handler routes
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/prescriptions", h.ListAll)
	r.Post("/model/reload", h.Reload)
	return r
}

// ListAll handles GET /admin/prescriptions, as JSON or with format=csv.
// Without a limit parameter every record is returned.
func (h *AdminHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	limit, ok := exportLimit(r)
	if !ok {
		jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}

	records, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		jsonError(w, "failed to list prescriptions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(len(records)))
	switch r.URL.Query().Get("format") {
	case "", "json":
		out := make([]RecordResponse, len(records))
		for i, rec := range records {
			out[i] = newRecordResponse(rec)
		}
		writeJSON(w, http.StatusOK, out)
	case "csv":
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, records); err != nil {
			h.logger.Error("csv export failed", zap.Error(err))
			jsonError(w, "failed to export prescriptions", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="prescription_history.csv"`)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	default:
		jsonError(w, "format must be json or csv", http.StatusBadRequest)
	}
}

// Reload handles POST /admin/model/reload
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		jsonError(w, "model reload is not configured", http.StatusServiceUnavailable)
		return
	}

	// A client disconnect must not abort a retrain halfway.
	info, err := h.reloader.TryReload(context.WithoutCancel(r.Context()))
	if errors.Is(err, reload.ErrInProgress) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		jsonError(w, "reload failed, current model kept: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.logger.Info("model reload requested",
		zap.String("client_id", middleware.GetClientID(r.Context())),
		zap.String("version", info.Version),
	)
	writeJSON(w, http.StatusOK, info)
}
