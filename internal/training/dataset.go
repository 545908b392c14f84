// Package training loads the prescription dataset and builds Predictors
// from it.
package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Column names in the training CSV
const (
	ColAge          = "age"
	ColWeight       = "weight"
	ColGender       = "gender"
	ColDisease      = "disease"
	ColSeverity     = "severity"
	ColSymptomScore = "symptom_score"
	ColDrug         = "drug"
	ColPrecaution   = "precaution"
)

// RequiredColumns must all be present in the dataset header
var RequiredColumns = []string{ColAge, ColWeight, ColGender, ColDisease, ColSeverity, ColSymptomScore, ColDrug}

var (
	// ErrSchema is matched by SchemaError
	ErrSchema = errors.New("dataset schema violation")
	// ErrEmptyDataset is returned when the file has a header but no rows
	ErrEmptyDataset = errors.New("dataset has no rows")
)

// SchemaError lists required columns missing from the header.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("dataset is missing required columns: %s", strings.Join(e.Missing, ", "))
}

// Is reports whether target is ErrSchema
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// TrainingRecord is one labelled dataset row.
type TrainingRecord struct {
	Age          int
	Weight       int
	Gender       string
	Disease      string
	Severity     string
	SymptomScore int
	Drug         string
	// Precaution is carried from the dataset but not used for inference.
	Precaution string
}

// Dataset is an immutable set of training records.
type Dataset struct {
	Records []TrainingRecord
}

// Len returns the number of rows
func (d *Dataset) Len() int { return len(d.Records) }

// Column returns the values of a categorical column in row order.
func (d *Dataset) Column(name string) []string {
	out := make([]string, len(d.Records))
	for i, r := range d.Records {
		switch name {
		case ColGender:
			out[i] = r.Gender
		case ColDisease:
			out[i] = r.Disease
		case ColSeverity:
			out[i] = r.Severity
		case ColDrug:
			out[i] = r.Drug
		case ColPrecaution:
			out[i] = r.Precaution
		}
	}
	return out
}

// LoadDatasetFile reads a CSV dataset from disk.
func LoadDatasetFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	ds, err := LoadDataset(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// LoadDataset parses a CSV dataset. Column order is free and unknown columns
// are ignored; a missing required column yields a *SchemaError.
func LoadDataset(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &SchemaError{Missing: RequiredColumns}
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	precautionIdx, hasPrecaution := index[ColPrecaution]

	ds := &Dataset{}
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec := TrainingRecord{
			Gender:   strings.TrimSpace(row[index[ColGender]]),
			Disease:  strings.TrimSpace(row[index[ColDisease]]),
			Severity: strings.TrimSpace(row[index[ColSeverity]]),
			Drug:     strings.TrimSpace(row[index[ColDrug]]),
		}
		if hasPrecaution {
			rec.Precaution = strings.TrimSpace(row[precautionIdx])
		}

		for _, f := range []struct {
			col string
			dst *int
		}{
			{ColAge, &rec.Age},
			{ColWeight, &rec.Weight},
			{ColSymptomScore, &rec.SymptomScore},
		} {
			v, err := strconv.Atoi(strings.TrimSpace(row[index[f.col]]))
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", line, f.col, err)
			}
			*f.dst = v
		}

		for _, f := range []struct {
			col, value string
		}{
			{ColGender, rec.Gender},
			{ColDisease, rec.Disease},
			{ColSeverity, rec.Severity},
			{ColDrug, rec.Drug},
		} {
			if f.value == "" {
				return nil, fmt.Errorf("line %d: column %s is empty", line, f.col)
			}
		}

		ds.Records = append(ds.Records, rec)
	}

	if len(ds.Records) == 0 {
		return nil, ErrEmptyDataset
	}
	return ds, nil
}
