// Package sqlite provides a single-file prescription record store for
// deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RecordStore implements prescription.RecordStore on SQLite.
type RecordStore struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*RecordStore, error) {
	if path == "" {
		path = "./data/prescriptions.db"
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &RecordStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *RecordStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prescription_records (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		patient_name TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL,
		weight INTEGER NOT NULL,
		gender TEXT NOT NULL,
		disease TEXT NOT NULL,
		severity TEXT NOT NULL,
		symptom_score INTEGER NOT NULL,
		drug TEXT NOT NULL,
		dosage_mg INTEGER NOT NULL,
		precaution TEXT NOT NULL,
		model_version TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_patient ON prescription_records(patient_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts a record
func (s *RecordStore) Save(ctx context.Context, rec *prescription.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prescription_records
		(id, patient_id, patient_name, age, weight, gender, disease, severity, symptom_score,
		 drug, dosage_mg, precaution, model_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
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
		rec.CreatedAt.UTC().Format(timeLayout),
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

// Get returns one record by ID
func (s *RecordStore) Get(ctx context.Context, id uuid.UUID) (*prescription.Record, error) {
	records, err := s.query(ctx, selectRecords+` WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, prescription.ErrRecordNotFound
	}
	return records[0], nil
}

// ListByPatient returns a patient's records, newest first
func (s *RecordStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*prescription.Record, error) {
	return s.query(ctx, selectRecords+` WHERE patient_id = ? ORDER BY created_at DESC LIMIT ?`, patientID, limit)
}

// List returns records newest first. A limit of zero or less returns every
// record.
func (s *RecordStore) List(ctx context.Context, limit int) ([]*prescription.Record, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}
	return s.query(ctx, selectRecords+` ORDER BY created_at DESC LIMIT ?`, limit)
}

// Ping checks the database handle
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *RecordStore) Close() error {
	return s.db.Close()
}

func (s *RecordStore) query(ctx context.Context, query string, args ...interface{}) ([]*prescription.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*prescription.Record
	for rows.Next() {
		rec := &prescription.Record{}
		var id, gender, disease, severity, createdAt string
		err := rows.Scan(
			&id, &rec.PatientID, &rec.PatientName,
			&rec.Input.Age, &rec.Input.Weight, &gender, &disease, &severity, &rec.Input.SymptomScore,
			&rec.Result.Drug, &rec.Result.DosageMg, &rec.Result.Precaution,
			&rec.ModelVersion, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("record %q has malformed id: %w", id, err)
		}
		if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("record %s has malformed timestamp: %w", id, err)
		}
		rec.Input.Gender = prescription.Gender(gender)
		rec.Input.Disease = prescription.Disease(disease)
		rec.Input.Severity = prescription.Severity(severity)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}
