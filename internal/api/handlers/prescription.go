package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/api/middleware"
	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/fhir/r5"
	"github.com/drfirst/go-rxassist/internal/ml/encoding"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	service  *prescription.Service
	store    prescription.RecordStore
	renderer *export.Renderer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewPrescriptionHandler creates a new handler. renderer may be nil, in which
// case PDF export answers 503.
func NewPrescriptionHandler(service *prescription.Service, store prescription.RecordStore, renderer *export.Renderer, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		service:  service,
		store:    store,
		renderer: renderer,
		metrics:  m,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.ListByPatient)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/pdf", h.PDF)
	r.Get("/{id}/fhir", h.FHIR)
	return r
}

// CreateRequest is the request body for generating a prescription
type CreateRequest struct {
	PatientID   string `json:"patient_id,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
	prescription.Input
}

// RecordResponse is a stored prescription as returned by the API
type RecordResponse struct {
	*prescription.Record
	Dosage      string `json:"dosage"`
	DisplayTime string `json:"display_time"`
}

func newRecordResponse(rec *prescription.Record) RecordResponse {
	return RecordResponse{
		Record:      rec,
		Dosage:      rec.Result.Dosage(),
		DisplayTime: rec.CreatedAt.Local().Format(prescription.TimestampLayout),
	}
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.fail(w, "invalid_input", "invalid request body", http.StatusBadRequest)
		return
	}

	in := req.Input
	if err := in.Validate(); err != nil {
		h.fail(w, "invalid_input", err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	if in.Gender, err = prescription.ParseGender(string(in.Gender)); err != nil {
		h.fail(w, "unknown_category", err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if in.Severity, err = prescription.ParseSeverity(string(in.Severity)); err != nil {
		h.fail(w, "unknown_category", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	start := time.Now()
	rec, err := h.service.Prescribe(ctx, req.PatientID, req.PatientName, in)
	h.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, encoding.ErrUnknownCategory) {
			h.fail(w, "unknown_category", err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("prescription pipeline failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)),
		)
		h.fail(w, "internal", "failed to generate prescription", http.StatusInternalServerError)
		return
	}

	if err := h.store.Save(ctx, rec); err != nil {
		h.logger.Error("save failed", zap.Error(err), zap.String("id", rec.ID.String()))
		h.fail(w, "store", "failed to save prescription", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(
		attribute.String("prescription_id", rec.ID.String()),
		attribute.String("model_version", rec.ModelVersion),
	)
	h.metrics.PrescriptionsGenerated.WithLabelValues(string(in.Severity)).Inc()
	h.logger.Info("prescription generated",
		zap.String("id", rec.ID.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("disease", string(in.Disease)),
		zap.String("drug", rec.Result.Drug),
		zap.Int("dosage_mg", rec.Result.DosageMg),
	)

	writeJSON(w, http.StatusCreated, newRecordResponse(rec))
}

// ListByPatient handles GET /prescriptions?patient_id=
func (h *PrescriptionHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}

	records, err := h.store.ListByPatient(r.Context(), patientID, limit)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		jsonError(w, "failed to list prescriptions", http.StatusInternalServerError)
		return
	}

	out := make([]RecordResponse, len(records))
	for i, rec := range records {
		out[i] = newRecordResponse(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// PDF handles GET /prescriptions/{id}/pdf
func (h *PrescriptionHandler) PDF(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		jsonError(w, "pdf export is not available", http.StatusServiceUnavailable)
		return
	}
	rec, ok := h.load(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.renderer.Render(&buf, rec); err != nil {
		h.logger.Error("pdf render failed", zap.Error(err), zap.String("id", rec.ID.String()))
		jsonError(w, "failed to render pdf", http.StatusInternalServerError)
		return
	}
	h.metrics.DocumentsRendered.Inc()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(rec)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// FHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", r5.ContentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(r5.NewMedicationRequest(rec))
}

func (h *PrescriptionHandler) load(w http.ResponseWriter, r *http.Request) (*prescription.Record, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return nil, false
	}

	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, prescription.ErrRecordNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("load failed", zap.Error(err), zap.String("id", id.String()))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return nil, false
	}
	return rec, true
}

func (h *PrescriptionHandler) fail(w http.ResponseWriter, reason, message string, code int) {
	h.metrics.PrescriptionsFailed.WithLabelValues(reason).Inc()
	jsonError(w, message, code)
}
