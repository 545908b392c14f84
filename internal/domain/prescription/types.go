// Package prescription implements the prescription inference pipeline and
// the records produced from it.
package prescription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-rxassist/internal/ml/encoding"
)

// Categorical field names, shared by the dataset loader and the encoders.
const (
	FieldGender   = "gender"
	FieldDisease  = "disease"
	FieldSeverity = "severity"
	FieldDrug     = "drug"
)

// Gender is the patient's recorded gender
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
)

// Genders lists every accepted gender
var Genders = []Gender{GenderMale, GenderFemale}

// ParseGender accepts a gender name in any letter case.
func ParseGender(s string) (Gender, error) {
	for _, g := range Genders {
		if strings.EqualFold(strings.TrimSpace(s), string(g)) {
			return g, nil
		}
	}
	return "", &encoding.UnknownCategoryError{Field: FieldGender, Value: s}
}

// Severity is the clinician-assessed severity level
type Severity string

const (
	SeverityMild     Severity = "Mild"
	SeverityModerate Severity = "Moderate"
	SeveritySevere   Severity = "Severe"
)

// Severities lists every severity in increasing order
var Severities = []Severity{SeverityMild, SeverityModerate, SeveritySevere}

// ParseSeverity accepts a severity name in any letter case.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return sev, nil
		}
	}
	return "", &encoding.UnknownCategoryError{Field: FieldSeverity, Value: s}
}

// Disease is a diagnosed disease name. Valid values are the disease
// vocabulary of the loaded model, see Catalog.
type Disease string

// Accepted input ranges
const (
	MinAge          = 18
	MaxAge          = 100
	MinWeight       = 40
	MaxWeight       = 120
	MinSymptomScore = 1
	MaxSymptomScore = 10
)

// ErrInvalidInput is matched by input range violations
var ErrInvalidInput = errors.New("invalid prescription input")

// Input is one patient's clinical data.
type Input struct {
	Age          int      `json:"age"`
	Weight       int      `json:"weight"`
	Gender       Gender   `json:"gender"`
	Disease      Disease  `json:"disease"`
	Severity     Severity `json:"severity"`
	SymptomScore int      `json:"symptom_score"`
}

// Validate checks numeric ranges and that the categorical fields are set.
// Categorical membership is checked by the encoders during Generate.
func (in Input) Validate() error {
	var problems []string
	if in.Age < MinAge || in.Age > MaxAge {
		problems = append(problems, fmt.Sprintf("age must be between %d and %d", MinAge, MaxAge))
	}
	if in.Weight < MinWeight || in.Weight > MaxWeight {
		problems = append(problems, fmt.Sprintf("weight must be between %d and %d", MinWeight, MaxWeight))
	}
	if in.SymptomScore < MinSymptomScore || in.SymptomScore > MaxSymptomScore {
		problems = append(problems, fmt.Sprintf("symptom_score must be between %d and %d", MinSymptomScore, MaxSymptomScore))
	}
	if in.Gender == "" {
		problems = append(problems, "gender is required")
	}
	if in.Disease == "" {
		problems = append(problems, "disease is required")
	}
	if in.Severity == "" {
		problems = append(problems, "severity is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// Result is the recommended prescription for one Input.
type Result struct {
	Drug       string `json:"drug"`
	DosageMg   int    `json:"dosage_mg"`
	Precaution string `json:"precaution"`
}

// Dosage renders the dosage the way it is shown to patients
func (r Result) Dosage() string {
	return fmt.Sprintf("%d mg", r.DosageMg)
}
