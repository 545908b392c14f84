// Package idempotency provides the Inbox pattern for effectively-once message
// processing. Keys are derived from the handler name and the message ID, so
// a redelivered event is recognised by every handler independently.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one row of the inbox table
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Attempts  int
	LastError string
	Result    json.RawMessage
	UpdatedAt time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL bounds how long any entry is kept
	DefaultTTL time.Duration
	// FinishedRetention is how long FINISHED entries are kept for dedup
	FinishedRetention time.Duration
	CleanupInterval   time.Duration
	// RecoveryTimeout is the age after which a STARTED entry may be taken
	// over by another delivery
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns the export worker defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:        14 * 24 * time.Hour,
		FinishedRetention: 7 * 24 * time.Hour,
		CleanupInterval:   time.Hour,
		RecoveryTimeout:   5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage indicates message was already processed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates message is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates an earlier attempt failed terminally
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult describes how Process handled a message
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	// Duplicate is set when an earlier delivery already finished; fn was
	// not called and Result holds the stored result.
	Duplicate bool
	Attempts  int
	Result    json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox guards handlers against redelivered messages
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox backed by the inbox table
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives the inbox key for a message handled by handlerName
func Key(handlerName, messageID string) string {
	hash := sha256.Sum256([]byte(handlerName + "|" + messageID))
	return hex.EncodeToString(hash[:])
}

// Process runs fn at most once to completion per key. A FINISHED key
// returns the stored result, a FAILED key returns ErrPreviouslyFailed and a
// key still being worked on returns ErrMessageInProgress.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	attempts, err := i.claim(ctx, key, handlerName, payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return i.unclaimed(ctx, span, key)
	}
	if err != nil {
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		if err := i.settle(ctx, key, status, nil, handlerErr.Error()); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler succeeded; a lost FINISHED mark only costs a rerun.
	if err := i.settle(ctx, key, StatusFinished, result, ""); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

// claim inserts the entry as STARTED, or takes over a RECOVERABLE or stale
// STARTED one. pgx.ErrNoRows means the key exists and may not be claimed.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (int, error) {
	const query = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, attempts, expires_at)
		VALUES ($1, $2, 'STARTED', $3, 1, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', attempts = inbox.attempts + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		RETURNING attempts
	`
	var attempts int
	err := i.pool.QueryRow(ctx, query,
		key, handlerName, payload,
		time.Now().Add(i.config.DefaultTTL),
		i.config.RecoveryTimeout.Seconds(),
	).Scan(&attempts)
	return attempts, err
}

// unclaimed explains why claim refused a key
func (i *Inbox) unclaimed(ctx context.Context, span trace.Span, key string) (*ProcessResult, error) {
	entry, err := i.Get(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted by cleanup between claim and lookup.
		return nil, ErrDuplicateMessage
	}
	if err != nil {
		return nil, fmt.Errorf("load inbox entry: %w", err)
	}

	switch entry.Status {
	case StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Duplicate: true, Attempts: entry.Attempts, Result: entry.Result}, nil
	case StatusFailed:
		span.SetAttributes(attribute.Bool("previously_failed", true))
		return nil, fmt.Errorf("%w: %s: %s", ErrPreviouslyFailed, key, entry.LastError)
	case StatusStarted:
		return nil, ErrMessageInProgress
	default:
		// RECOVERABLE again means another delivery claimed and released it.
		return nil, ErrDuplicateMessage
	}
}

// Get loads one entry
func (i *Inbox) Get(ctx context.Context, key string) (*Entry, error) {
	const query = `
		SELECT idempotency_key, handler_name, status, attempts, COALESCE(last_error, ''), result, updated_at
		FROM inbox
		WHERE idempotency_key = $1
	`
	e := &Entry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.Handler, &e.Status, &e.Attempts, &e.LastError, &e.Result, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (i *Inbox) settle(ctx context.Context, key string, status Status, result json.RawMessage, lastErr string) error {
	const query = `
		UPDATE inbox
		SET status = $2, result = $3, last_error = NULLIF($4, ''), updated_at = NOW()
		WHERE idempotency_key = $1
	`
	_, err := i.pool.Exec(ctx, query, key, status, result, lastErr)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// Cleanup deletes expired entries and FINISHED entries past retention
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	const query = `
		DELETE FROM inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - make_interval(secs => $1))
	`
	tag, err := i.pool.Exec(ctx, query, i.config.FinishedRetention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecoverStaleEntries marks STARTED entries older than RecoveryTimeout as
// RECOVERABLE, typically once at startup after a crash.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	const query = `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`
	tag, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// isTerminalError reports whether err, or an error it wraps, declares
// itself permanent through a Permanent() bool method.
func isTerminalError(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
