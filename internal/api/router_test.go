package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxassist/internal/api/handlers"
	"github.com/drfirst/go-rxassist/internal/assistant"
	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/fhir/r5"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/internal/reload"
	"github.com/drfirst/go-rxassist/internal/training"
)

type memStore struct {
	mu      sync.Mutex
	records []*prescription.Record
	saveErr error
}

func (s *memStore) Save(_ context.Context, rec *prescription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*prescription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, prescription.ErrRecordNotFound
}

func (s *memStore) ListByPatient(_ context.Context, patientID string, limit int) ([]*prescription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*prescription.Record
	for _, r := range s.records {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) List(ctx context.Context, limit int) ([]*prescription.Record, error) {
	s.mu.Lock()
	out := append([]*prescription.Record(nil), s.records...)
	s.mu.Unlock()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

type fakeAsker struct {
	answer string
	err    error
}

func (a fakeAsker) Ask(_ context.Context, q string) (string, error) {
	if strings.TrimSpace(q) == "" {
		return "", assistant.ErrEmptyQuestion
	}
	return a.answer, a.err
}

type fakeReloader struct {
	info prescription.ModelInfo
	err  error
}

func (f fakeReloader) TryReload(context.Context) (prescription.ModelInfo, error) {
	return f.info, f.err
}

// ctxReloader records whether the reload context was already done when
// the reload ran.
type ctxReloader struct {
	ctxErr chan error
}

func (c ctxReloader) TryReload(ctx context.Context) (prescription.ModelInfo, error) {
	c.ctxErr <- ctx.Err()
	return prescription.ModelInfo{Version: "rf-new"}, nil
}

const testDataset = `age,weight,gender,disease,severity,symptom_score,drug
30,60,Male,Fever,Mild,3,Paracetamol
35,65,Female,Fever,Mild,4,Paracetamol
40,70,Male,Fever,Severe,8,Ibuprofen
45,75,Female,Fever,Severe,9,Ibuprofen
30,60,Male,Acne,Mild,2,Benzoyl Peroxide
50,80,Female,Acne,Moderate,5,Benzoyl Peroxide
30,60,Male,Asthma,Severe,9,Salbutamol
60,90,Female,Asthma,Moderate,6,Salbutamol
`

type testEnv struct {
	handler  http.Handler
	store    *memStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, asker handlers.Asker, reloader handlers.ModelReloader) *testEnv {
	t.Helper()
	ds, err := training.LoadDataset(strings.NewReader(testDataset))
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	p, err := training.Build(context.Background(), ds, forest.Config{Trees: 5, Seed: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	precautions := prescription.DefaultPrecautions()
	delete(precautions, "Acne")
	svc, err := prescription.NewService(p, precautions, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	reg := prometheus.NewRegistry()
	env := &testEnv{store: &memStore{}, metrics: metrics.New(reg), registry: reg}
	env.handler = NewRouter(Deps{
		Service:        svc,
		Store:          env.store,
		Assistant:      asker,
		Reloader:       reloader,
		AdminAPIKeys:   map[string]string{"admin-key": "ops"},
		Metrics:        env.metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return env
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func prescriptionBody(patientID, gender, disease, severity string, age, weight int) string {
	return fmt.Sprintf(`{"patient_id":%q,"age":%d,"weight":%d,"gender":%q,"disease":%q,"severity":%q,"symptom_score":5}`,
		patientID, age, weight, gender, disease, severity)
}

func TestCreatePrescription(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantDosage int
		wantSuffix bool
	}{
		{"mild fever", prescriptionBody("P1", "Male", "Fever", "Mild", 30, 65), http.StatusCreated, 250, false},
		{"heavy patient", prescriptionBody("P1", "Male", "Fever", "Mild", 30, 85), http.StatusCreated, 350, false},
		{"severe elderly", prescriptionBody("P1", "Male", "Fever", "Severe", 65, 65), http.StatusCreated, 650, true},
		{"case insensitive categories", prescriptionBody("P2", "female", "Asthma", "moderate", 40, 70), http.StatusCreated, 500, false},
		{"unknown gender", prescriptionBody("P1", "Other", "Fever", "Mild", 30, 65), http.StatusUnprocessableEntity, 0, false},
		{"unknown disease", prescriptionBody("P1", "Male", "Gout", "Mild", 30, 65), http.StatusUnprocessableEntity, 0, false},
		{"age out of range", prescriptionBody("P1", "Male", "Fever", "Mild", 12, 65), http.StatusBadRequest, 0, false},
		{"malformed", `{"age":`, http.StatusBadRequest, 0, false},
		{"unknown field", `{"age":30,"weight":65,"gender":"Male","disease":"Fever","severity":"Mild","symptom_score":5,"dose":1}`, http.StatusBadRequest, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/prescriptions", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				var body map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
					t.Errorf("expected error body, got %s", rec.Body.String())
				}
				return
			}

			var got handlers.RecordResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Result.DosageMg != tt.wantDosage {
				t.Errorf("expected dosage %d, got %d", tt.wantDosage, got.Result.DosageMg)
			}
			if got.Dosage != fmt.Sprintf("%d mg", tt.wantDosage) {
				t.Errorf("unexpected dosage text %q", got.Dosage)
			}
			if strings.HasSuffix(got.Result.Precaution, "Consult doctor regularly") != tt.wantSuffix {
				t.Errorf("unexpected precaution %q", got.Result.Precaution)
			}
			if got.ModelVersion == "" || got.ID == uuid.Nil {
				t.Errorf("record not stamped: %+v", got.Record)
			}
		})
	}

	if n := len(env.store.records); n != 4 {
		t.Errorf("expected 4 stored records, got %d", n)
	}
	if v := testutil.ToFloat64(env.metrics.PrescriptionsFailed.WithLabelValues("unknown_category")); v != 2 {
		t.Errorf("expected 2 unknown_category failures, got %v", v)
	}
}

func TestCreatePrescription_StoreFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.store.saveErr = errors.New("disk full")

	rec := env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody("P1", "Male", "Fever", "Mild", 30, 65))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestFallbackPrecaution(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody("P1", "Male", "Acne", "Mild", 30, 65))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got handlers.RecordResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Result.Precaution != prescription.FallbackPrecaution {
		t.Errorf("expected fallback precaution, got %q", got.Result.Precaution)
	}
}

func TestGetAndListPrescriptions(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody("P9", "Female", "Fever", "Mild", 30+i, 60))
		var got handlers.RecordResponse
		json.Unmarshal(rec.Body.Bytes(), &got)
		ids = append(ids, got.ID.String())
	}

	rec := env.do(http.MethodGet, "/api/v1/prescriptions/"+ids[1], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/api/v1/prescriptions/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/v1/prescriptions/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/prescriptions?patient_id=P9&limit=2", "")
	var list []handlers.RecordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 records, got %d", len(list))
	}

	if rec := env.do(http.MethodGet, "/api/v1/prescriptions", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without patient_id, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/v1/prescriptions?patient_id=P9&limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/api/v1/prescriptions/"+ids[0]+"/pdf", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without renderer, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/prescriptions/"+ids[0]+"/fhir", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != r5.ContentType {
		t.Fatalf("fhir export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	var mr r5.MedicationRequest
	if err := mr.FromJSON(rec.Body.Bytes()); err != nil {
		t.Fatalf("decode fhir: %v", err)
	}
	if mr.ID != ids[0] || mr.GetPatientID() != "P9" || mr.GetMedicationDisplay() == "" {
		t.Errorf("unexpected medication request %+v", mr)
	}
}

func TestCatalogAndModel(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/api/v1/catalog", "")
	var catalog prescription.Catalog
	if err := json.Unmarshal(rec.Body.Bytes(), &catalog); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if strings.Join(catalog.Diseases, ",") != "Acne,Asthma,Fever" {
		t.Errorf("unexpected diseases %v", catalog.Diseases)
	}

	rec = env.do(http.MethodGet, "/api/v1/model", "")
	var info prescription.ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if info.Trees != 5 || info.TrainingRows != 8 {
		t.Errorf("unexpected model info %+v", info)
	}
}

func TestAssistant(t *testing.T) {
	tests := []struct {
		name       string
		asker      fakeAsker
		body       string
		wantStatus int
		available  bool
	}{
		{"answered", fakeAsker{answer: "Drink water."}, `{"question":"How to stay hydrated?"}`, http.StatusOK, true},
		{"circuit open", fakeAsker{answer: assistant.UnavailableAnswer}, `{"question":"hi"}`, http.StatusOK, false},
		{"empty question", fakeAsker{}, `{"question":"  "}`, http.StatusBadRequest, false},
		{"upstream error", fakeAsker{err: errors.New("down")}, `{"question":"hi"}`, http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.asker, nil)
			rec := env.do(http.MethodPost, "/api/v1/assistant/ask", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if rec.Code == http.StatusOK {
				var resp handlers.AskResponse
				json.Unmarshal(rec.Body.Bytes(), &resp)
				if resp.Available != tt.available || resp.Answer != tt.asker.answer {
					t.Errorf("unexpected response %+v", resp)
				}
			}
		})
	}
}

func TestAssistantNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if rec := env.do(http.MethodPost, "/api/v1/assistant/ask", `{"question":"hi"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, nil, fakeReloader{info: prescription.ModelInfo{Version: "rf-new"}})
	env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody("P1", "Male", "Fever", "Mild", 30, 65))

	if rec := env.do(http.MethodGet, "/api/v1/admin/prescriptions", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	rec := env.do(http.MethodGet, "/api/v1/admin/prescriptions?format=csv", "", "X-API-Key", "admin-key")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected header and one row, got %v, %v", rows, err)
	}

	rec = env.do(http.MethodGet, "/api/v1/admin/prescriptions", "", "Authorization", "Bearer admin-key")
	if rec.Code != http.StatusOK {
		t.Errorf("json list: %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/v1/admin/prescriptions?format=xml", "", "X-API-Key", "admin-key"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown format, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/admin/model/reload", "", "X-API-Key", "admin-key")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rf-new") {
		t.Errorf("reload: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminExportReturnsAllRecords(t *testing.T) {
	const total = 120
	env := newTestEnv(t, nil, nil)
	for i := 0; i < total; i++ {
		rec := env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody(fmt.Sprintf("P%d", i), "Male", "Fever", "Mild", 30, 65))
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"csv without limit", "/api/v1/admin/prescriptions?format=csv", total},
		{"json without limit", "/api/v1/admin/prescriptions", total},
		{"csv with limit", "/api/v1/admin/prescriptions?format=csv&limit=7", 7},
		{"json with limit above default", "/api/v1/admin/prescriptions?limit=100", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, "", "X-API-Key", "admin-key")
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("X-Total-Count"); got != fmt.Sprint(tt.want) {
				t.Errorf("X-Total-Count = %q, want %d", got, tt.want)
			}

			var n int
			if strings.Contains(tt.path, "format=csv") {
				rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
				if err != nil {
					t.Fatalf("read csv: %v", err)
				}
				n = len(rows) - 1
			} else {
				var items []json.RawMessage
				if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
					t.Fatalf("decode json: %v", err)
				}
				n = len(items)
			}
			if n != tt.want {
				t.Errorf("got %d records, want %d", n, tt.want)
			}
		})
	}

	if rec := env.do(http.MethodGet, "/api/v1/admin/prescriptions?limit=0", "", "X-API-Key", "admin-key"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", rec.Code)
	}
}

func TestAdminReloadOutlivesClient(t *testing.T) {
	reloader := ctxReloader{ctxErr: make(chan error, 1)}
	env := newTestEnv(t, nil, reloader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/model/reload", nil).WithContext(ctx)
	req.Header.Set("X-API-Key", "admin-key")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("reload: %d %s", rec.Code, rec.Body.String())
	}
	if err := <-reloader.ctxErr; err != nil {
		t.Errorf("reload context canceled with the request: %v", err)
	}
}

func TestAdminReloadErrors(t *testing.T) {
	tests := []struct {
		name     string
		reloader handlers.ModelReloader
		want     int
	}{
		{"busy", fakeReloader{err: reload.ErrInProgress}, http.StatusConflict},
		{"bad dataset", fakeReloader{err: training.ErrEmptyDataset}, http.StatusUnprocessableEntity},
		{"not configured", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, tt.reloader)
			if rec := env.do(http.MethodPost, "/api/v1/admin/model/reload", "", "X-API-Key", "admin-key"); rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rf-") {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready: %d", rec.Code)
	}

	env.do(http.MethodPost, "/api/v1/prescriptions", prescriptionBody("P1", "Male", "Fever", "Mild", 30, 65))
	rec = env.do(http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "prescriptions_generated_total") {
		t.Error("metrics endpoint missing prescriptions_generated_total")
	}
}
