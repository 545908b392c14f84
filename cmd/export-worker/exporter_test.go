package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/pkg/idempotency"
	"github.com/drfirst/go-rxassist/pkg/workerpool"
)

// memInbox mimics the Postgres inbox: finished keys are never run again
// and failed keys stay failed.
type memInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (i *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	i.mu.Lock()
	if res, ok := i.finished[key]; ok {
		i.mu.Unlock()
		return &idempotency.ProcessResult{Duplicate: true, Result: res}, nil
	}
	if i.failed[key] {
		i.mu.Unlock()
		return nil, idempotency.ErrPreviouslyFailed
	}
	i.mu.Unlock()

	res, err := fn(ctx, payload)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		if workerpool.IsPermanent(err) {
			i.failed[key] = true
		}
		return nil, err
	}
	i.finished[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type memArchive struct {
	mu      sync.Mutex
	docs    map[uuid.UUID][]byte
	failFor int
}

func (a *memArchive) Put(_ context.Context, id uuid.UUID, contentType string, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failFor > 0 {
		a.failFor--
		return errors.New("connection refused")
	}
	if contentType != "application/pdf" {
		return errors.New("unexpected content type " + contentType)
	}
	a.docs[id] = content
	return nil
}

type stubRenderer struct{ err error }

func (r stubRenderer) RenderBytes(rec *prescription.Record) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-1.4 " + rec.ID.String()), nil
}

func newTestExporter(t *testing.T, archive *memArchive, renderer pdfRenderer) (*exporter, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	exp := &exporter{
		inbox:    newMemInbox(),
		docs:     archive,
		renderer: renderer,
		metrics:  m,
		logger:   zap.NewNop(),
	}
	pool, err := workerpool.New(workerpool.Config{
		Workers:    2,
		QueueSize:  4,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, exp.render, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	exp.pool = pool
	return exp, m
}

func generatedMessage(t *testing.T) (*redpanda.ConsumedMessage, *prescription.Record) {
	t.Helper()
	rec := prescription.NewRecord("P-100", "Ana", prescription.Input{
		Age: 45, Weight: 70, Gender: "Female", Disease: "Asthma", Severity: "Mild", SymptomScore: 4,
	}, prescription.Result{Drug: "Albuterol", DosageMg: 200, Precaution: "Avoid smoke."}, "rf-test")
	event, err := prescription.NewGeneratedEvent(rec)
	if err != nil {
		t.Fatal(err)
	}
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionEvents, Value: value}, rec
}

func TestHandle_ArchivesOnce(t *testing.T) {
	archive := &memArchive{docs: map[uuid.UUID][]byte{}}
	exp, m := newTestExporter(t, archive, stubRenderer{})
	msg, rec := generatedMessage(t)

	for i := 0; i < 2; i++ {
		if err := exp.handle(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if _, ok := archive.docs[rec.ID]; !ok {
		t.Fatal("document not archived")
	}
	if v := testutil.ToFloat64(m.DocumentsRendered); v != 1 {
		t.Errorf("documents rendered = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EventsDuplicate); v != 1 {
		t.Errorf("duplicates = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EventsConsumed); v != 2 {
		t.Errorf("consumed = %v, want 2", v)
	}
}

func TestHandle_RetriesArchiveFailures(t *testing.T) {
	archive := &memArchive{docs: map[uuid.UUID][]byte{}, failFor: 2}
	exp, _ := newTestExporter(t, archive, stubRenderer{})
	msg, rec := generatedMessage(t)

	if err := exp.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := archive.docs[rec.ID]; !ok {
		t.Fatal("document not archived after retries")
	}
}

func TestHandle_TransientFailureIsRedelivered(t *testing.T) {
	archive := &memArchive{docs: map[uuid.UUID][]byte{}, failFor: 10}
	exp, _ := newTestExporter(t, archive, stubRenderer{})
	msg, _ := generatedMessage(t)

	if err := exp.handle(context.Background(), msg); err == nil {
		t.Fatal("expected an error so the consumer retries")
	}
}

func TestHandle_DropsPoisonMessages(t *testing.T) {
	tests := []struct {
		name     string
		renderer pdfRenderer
		value    func(t *testing.T) []byte
	}{
		{
			name:     "not json",
			renderer: stubRenderer{},
			value:    func(*testing.T) []byte { return []byte("{") },
		},
		{
			name:     "render failure",
			renderer: stubRenderer{err: errors.New("font missing glyph")},
			value: func(t *testing.T) []byte {
				msg, _ := generatedMessage(t)
				return msg.Value
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := &memArchive{docs: map[uuid.UUID][]byte{}}
			exp, m := newTestExporter(t, archive, tt.renderer)
			msg := &redpanda.ConsumedMessage{Value: tt.value(t)}

			for i := 0; i < 2; i++ {
				if err := exp.handle(context.Background(), msg); err != nil {
					t.Fatalf("delivery %d: %v", i+1, err)
				}
			}
			if len(archive.docs) != 0 {
				t.Error("nothing should be archived")
			}
			if v := testutil.ToFloat64(m.DocumentsRendered); v != 0 {
				t.Errorf("documents rendered = %v", v)
			}
		})
	}
}
