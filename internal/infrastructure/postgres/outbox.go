// Package postgres provides PostgreSQL infrastructure components: schema
// migrations and the transactional outbox that publishes prescription events.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// DeadLetter is the envelope published for entries that exhausted their
// retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is
	// dead-lettered
	MaxRetries int
	// LockID is the advisory lock held by the active relay
	LockID             int64
	DeadLetterTopic    string
	DeadLetterInterval time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:          100,
		PollInterval:       250 * time.Millisecond,
		MaxRetries:         5,
		LockID:             727001,
		DeadLetterTopic:    "prescription.dead-letter",
		DeadLetterInterval: time.Minute,
	}
}

// OutboxPublisher delivers one message to a topic
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox entries to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox relay. Zero config fields take defaults.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    withDefaults(cfg),
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func withDefaults(cfg OutboxConfig) OutboxConfig {
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LockID == 0 {
		cfg.LockID = def.LockID
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.DeadLetterInterval <= 0 {
		cfg.DeadLetterInterval = def.DeadLetterInterval
	}
	return cfg
}

// WriteEntry writes an outbox entry inside the caller's transaction, so the
// entry commits or rolls back together with the record it announces.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	const query = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and publishing outbox entries
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch and stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(o.config.DeadLetterInterval)
	defer sweep.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			o.withLock(o.ctx, o.publishBatch)
		case <-sweep.C:
			o.withLock(o.ctx, func(ctx context.Context) {
				moved, err := o.MoveToDeadLetter(ctx)
				if err != nil {
					o.logger.Error("dead letter sweep failed", zap.Error(err))
				} else if moved > 0 {
					o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
				}
			})
		}
	}
}

// withLock runs fn only while this process holds the relay advisory lock.
// Advisory locks belong to a session, so lock and unlock share one
// connection.
func (o *Outbox) withLock(ctx context.Context, fn func(context.Context)) {
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", o.config.LockID)

	fn(ctx)
}

func (o *Outbox) publishBatch(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	entries, err := o.fetch(ctx, "retry_count < $1", o.config.BatchSize)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.publish(ctx, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
		}
	}
}

// fetch loads unpublished entries matching cond, which may reference the
// retry limit as $1, oldest first
func (o *Outbox) fetch(ctx context.Context, cond string, limit int) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND ` + cond + `
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) publish(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		const failed = `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1
		`
		if _, uerr := o.pool.Exec(ctx, failed, entry.ID, err.Error()); uerr != nil {
			o.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := o.markProcessed(ctx, entry.ID, false); err != nil {
		span.RecordError(err)
		return err
	}
	o.logger.Debug("outbox entry published", zap.Int64("id", entry.ID), zap.String("topic", entry.Topic))
	return nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64, deadLettered bool) error {
	const query = `
		UPDATE outbox
		SET processed_at = NOW(), dead_lettered = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := o.pool.Exec(ctx, query, id, deadLettered); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and retires them
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	entries, err := o.fetch(ctx, "retry_count >= $1", o.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, entry := range entries {
		payload, err := json.Marshal(deadLetterOf(entry))
		if err != nil {
			return moved, fmt.Errorf("encode dead letter %d: %w", entry.ID, err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, entry.ID, true); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

func deadLetterOf(e *OutboxEntry) DeadLetter {
	dl := DeadLetter{
		OriginalTopic: e.Topic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		dl.LastError = *e.LastError
	}
	return dl
}

// CleanupProcessed removes entries processed before olderThan ago
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`
	tag, err := o.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats is a snapshot of the outbox backlog
type OutboxStats struct {
	Pending int64
	// Failed entries exhausted their retries and await the dead-letter sweep
	Failed         int64
	PublishedToday int64
	DeadLettered   int64
	OldestPending  *time.Time
}

// GetStats returns the current backlog
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours' AND NOT dead_lettered),
			COUNT(*) FILTER (WHERE dead_lettered),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	s := &OutboxStats{}
	err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&s.Pending, &s.Failed, &s.PublishedToday, &s.DeadLettered, &s.OldestPending,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
