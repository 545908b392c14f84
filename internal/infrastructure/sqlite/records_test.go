package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

func newStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "rx.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(patientID string, created time.Time) *prescription.Record {
	rec := prescription.NewRecord(patientID, "Test Patient", prescription.Input{
		Age:          30,
		Weight:       65,
		Gender:       prescription.GenderMale,
		Disease:      "Fever",
		Severity:     prescription.SeverityMild,
		SymptomScore: 5,
	}, prescription.Result{
		Drug:       "Paracetamol",
		DosageMg:   250,
		Precaution: "Dose: Every 6 hours | Duration: 3 days | Visit: If fever persists",
	}, "v-test")
	rec.CreatedAt = created
	return rec
}

func TestRecordStore_SaveAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("patient-1", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != rec.ID || got.PatientID != "patient-1" || got.PatientName != "Test Patient" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Input != rec.Input {
		t.Errorf("input mismatch: got %+v, want %+v", got.Input, rec.Input)
	}
	if got.Result != rec.Result {
		t.Errorf("result mismatch: got %+v, want %+v", got.Result, rec.Result)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestRecordStore_GetMissing(t *testing.T) {
	store := newStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, prescription.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestRecordStore_ListOrdering(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	for i, patient := range []string{"a", "b", "a", "a"} {
		if err := store.Save(ctx, sampleRecord(patient, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	history, err := store.ListByPatient(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list by patient: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 records for patient a, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Errorf("history not newest-first at %d", i)
		}
	}

	limited, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
	if limited[0].PatientID != "a" || !limited[0].CreatedAt.Equal(base.Add(3*time.Hour)) {
		t.Errorf("unexpected newest record %+v", limited[0])
	}
}

func TestRecordStore_ListUnbounded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	const total = 75
	for i := 0; i < total; i++ {
		if err := store.Save(ctx, sampleRecord("p", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero returns all", 0, total},
		{"negative returns all", -1, total},
		{"positive bounds", 10, 10},
		{"larger than table", 500, total},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.limit)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List(%d) returned %d records, want %d", tt.limit, len(got), tt.want)
			}
		})
	}
}
