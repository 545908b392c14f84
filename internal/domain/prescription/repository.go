package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxassist/internal/infrastructure/redpanda"
)

// Repository is the PostgreSQL RecordStore. Every saved record is paired
// with an outbox entry written in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists a record and its PrescriptionGenerated outbox entry
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	event, err := NewGeneratedEvent(rec)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertRecord(ctx, tx, rec); err != nil {
		return err
	}

	entry := outboxEntry(rec, payload)
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("prescription record saved",
		zap.String("id", rec.ID.String()),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

// outboxEntry builds the event row for rec. Keying by patient keeps one
// patient's events on a single partition.
func outboxEntry(rec *Record, payload []byte) *postgres.OutboxEntry {
	return &postgres.OutboxEntry{
		AggregateID:   rec.ID.String(),
		AggregateType: AggregateType,
		EventType:     string(EventPrescriptionGenerated),
		Payload:       payload,
		Topic:         redpanda.TopicPrescriptionEvents,
		Key:           rec.PatientID,
	}
}

func (r *Repository) insertRecord(ctx context.Context, tx pgx.Tx, rec *Record) error {
	query := `
		INSERT INTO prescription_records
		(id, patient_id, patient_name, age, weight, gender, disease, severity, symptom_score,
		 drug, dosage_mg, precaution, model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := tx.Exec(ctx, query,
		rec.ID,
		rec.PatientID,
		rec.PatientName,
		rec.Input.Age,
		rec.Input.Weight,
		string(rec.Input.Gender),
		string(rec.Input.Disease),
		string(rec.Input.Severity),
		rec.Input.SymptomScore,
		rec.Result.Drug,
		rec.Result.DosageMg,
		rec.Result.Precaution,
		rec.ModelVersion,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

const selectRecords = `
	SELECT id, patient_id, patient_name, age, weight, gender, disease, severity, symptom_score,
	       drug, dosage_mg, precaution, model_version, created_at
	FROM prescription_records
`

// Get retrieves a record by ID
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rows, err := r.pool.Query(ctx, selectRecords+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}
	return records[0], nil
}

// ListByPatient returns a patient's records, newest first
func (r *Repository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*Record, error) {
	rows, err := r.pool.Query(ctx,
		selectRecords+` WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2`,
		patientID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// List returns records newest first. A limit of zero or less returns every
// record.
func (r *Repository) List(ctx context.Context, limit int) ([]*Record, error) {
	var bound *int // LIMIT NULL is unbounded
	if limit > 0 {
		bound = &limit
	}
	rows, err := r.pool.Query(ctx, selectRecords+` ORDER BY created_at DESC LIMIT $1`, bound)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var gender, disease, severity string
		err := rows.Scan(
			&rec.ID, &rec.PatientID, &rec.PatientName,
			&rec.Input.Age, &rec.Input.Weight, &gender, &disease, &severity, &rec.Input.SymptomScore,
			&rec.Result.Drug, &rec.Result.DosageMg, &rec.Result.Precaution,
			&rec.ModelVersion, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Input.Gender = Gender(gender)
		rec.Input.Disease = Disease(disease)
		rec.Input.Severity = Severity(severity)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return records, nil
}
