package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned by stores when a record does not exist
var ErrRecordNotFound = errors.New("prescription record not found")

// TimestampLayout is the display format for record timestamps
const TimestampLayout = "02-01-2006 15:04"

// Record is a persisted prescription: the input, the generated result and the
// model that produced it.
type Record struct {
	ID           uuid.UUID `json:"id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name,omitempty"`
	Input        Input     `json:"input"`
	Result       Result    `json:"result"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRecord creates a record for a freshly generated result
func NewRecord(patientID, patientName string, in Input, res Result, modelVersion string) *Record {
	return &Record{
		ID:           uuid.New(),
		PatientID:    patientID,
		PatientName:  patientName,
		Input:        in,
		Result:       res,
		ModelVersion: modelVersion,
		CreatedAt:    time.Now().UTC(),
	}
}

// RecordStore persists prescription records. List with a limit of zero or
// less returns every record.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
	Ping(ctx context.Context) error
	Close() error
}
