package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

// CSVHeader is the first row written by WriteCSV
var CSVHeader = []string{
	"id", "time", "patient_id", "patient_name",
	"age", "weight", "gender", "disease", "severity", "symptom_score",
	"drug", "dosage", "precaution", "model_version",
}

// WriteCSV writes records as a CSV table with a header row.
func WriteCSV(w io.Writer, records []*prescription.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.ID.String(),
			rec.CreatedAt.Local().Format(prescription.TimestampLayout),
			rec.PatientID,
			rec.PatientName,
			strconv.Itoa(rec.Input.Age),
			strconv.Itoa(rec.Input.Weight),
			string(rec.Input.Gender),
			string(rec.Input.Disease),
			string(rec.Input.Severity),
			strconv.Itoa(rec.Input.SymptomScore),
			rec.Result.Drug,
			rec.Result.Dosage(),
			rec.Result.Precaution,
			rec.ModelVersion,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
