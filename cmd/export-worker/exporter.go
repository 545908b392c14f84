package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
	"github.com/drfirst/go-rxassist/pkg/idempotency"
	"github.com/drfirst/go-rxassist/pkg/workerpool"
)

// handlerName namespaces this worker's inbox keys
const handlerName = "export-pdf"

type inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

type documentArchive interface {
	Put(ctx context.Context, recordID uuid.UUID, contentType string, content []byte) error
}

type pdfRenderer interface {
	RenderBytes(rec *prescription.Record) ([]byte, error)
}

// documentResult is stored in the inbox once a record's PDF is archived
type documentResult struct {
	RecordID string `json:"record_id"`
	FileName string `json:"file_name"`
	Bytes    int    `json:"bytes"`
}

// exporter turns PrescriptionGenerated events into archived PDFs
type exporter struct {
	inbox    inbox
	pool     *workerpool.Pool
	docs     documentArchive
	renderer pdfRenderer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// handle is the consumer's MessageHandler. It returns an error only for
// failures worth redelivering; undecodable and permanently failing events
// are logged and dropped.
func (e *exporter) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	e.metrics.EventsConsumed.Inc()

	event, rec, err := prescription.DecodeGenerated(msg.Value)
	if err != nil {
		e.logger.Warn("dropping undecodable event",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	key := idempotency.Key(handlerName, event.ID)
	res, err := e.inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		result, err := e.pool.SubmitWait(ctx, &workerpool.Task{ID: rec.ID.String(), Payload: rec})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result.Data)
	})

	switch {
	case err == nil:
		if res.Duplicate {
			e.metrics.EventsDuplicate.Inc()
			e.logger.Debug("event already exported", zap.String("event_id", event.ID))
		} else if res.WasRecovered {
			e.logger.Info("event exported after retry",
				zap.String("event_id", event.ID),
				zap.Int("attempts", res.Attempts))
		}
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrPreviouslyFailed):
		e.metrics.EventsDuplicate.Inc()
		e.logger.Debug("skipping handled event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	case workerpool.IsPermanent(err):
		e.logger.Error("event export failed permanently",
			zap.String("event_id", event.ID),
			zap.String("record_id", rec.ID.String()),
			zap.Error(err))
		return nil
	default:
		return fmt.Errorf("export record %s: %w", rec.ID, err)
	}
}

// render is the worker pool function: it renders one record and archives
// the PDF. Rendering errors are permanent; archive errors are retried.
func (e *exporter) render(ctx context.Context, task *workerpool.Task) (interface{}, error) {
	rec, ok := task.Payload.(*prescription.Record)
	if !ok {
		return nil, workerpool.Permanent(fmt.Errorf("task %s: unexpected payload %T", task.ID, task.Payload))
	}

	content, err := e.renderer.RenderBytes(rec)
	if err != nil {
		return nil, workerpool.Permanent(fmt.Errorf("render %s: %w", rec.ID, err))
	}
	if err := e.docs.Put(ctx, rec.ID, "application/pdf", content); err != nil {
		return nil, fmt.Errorf("archive %s: %w", rec.ID, err)
	}

	e.metrics.DocumentsRendered.Inc()
	e.logger.Info("prescription document archived",
		zap.String("record_id", rec.ID.String()),
		zap.Int("bytes", len(content)))

	return documentResult{
		RecordID: rec.ID.String(),
		FileName: export.FileName(rec),
		Bytes:    len(content),
	}, nil
}
