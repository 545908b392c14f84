package prescription

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// FallbackPrecaution is returned for diseases without a table entry.
	FallbackPrecaution = "Follow doctor advice | Visit hospital if symptoms persist"
	// ElderlySuffix is appended for patients older than ElderlyAge.
	ElderlySuffix = " | Consult doctor regularly"
	ElderlyAge    = 60
)

// PrecautionEntry describes how a prescribed drug should be taken.
type PrecautionEntry struct {
	DoseSchedule      string `json:"dose_schedule"`
	Duration          string `json:"duration"`
	FollowUpCondition string `json:"follow_up_condition"`
}

// String formats the entry for display
func (e PrecautionEntry) String() string {
	return fmt.Sprintf("Dose: %s | Duration: %s | Visit: %s", e.DoseSchedule, e.Duration, e.FollowUpCondition)
}

// PrecautionTable maps disease names to precaution entries. It is read-only
// after construction.
type PrecautionTable map[string]PrecautionEntry

// Lookup returns the precaution text for a disease and patient age. Diseases
// missing from the table get FallbackPrecaution.
func (t PrecautionTable) Lookup(disease string, age int) string {
	text := FallbackPrecaution
	if entry, ok := t[disease]; ok {
		text = entry.String()
	}
	if age > ElderlyAge {
		text += ElderlySuffix
	}
	return text
}

// Has reports whether disease has a structured entry
func (t PrecautionTable) Has(disease string) bool {
	_, ok := t[disease]
	return ok
}

// LoadPrecautions reads a JSON object keyed by disease name.
func LoadPrecautions(r io.Reader) (PrecautionTable, error) {
	var table PrecautionTable
	if err := json.NewDecoder(r).Decode(&table); err != nil {
		return nil, fmt.Errorf("decode precaution table: %w", err)
	}
	for disease, e := range table {
		if strings.TrimSpace(disease) == "" {
			return nil, fmt.Errorf("precaution table has an empty disease key")
		}
		if e.DoseSchedule == "" || e.Duration == "" || e.FollowUpCondition == "" {
			return nil, fmt.Errorf("precaution entry for %q is incomplete", disease)
		}
	}
	return table, nil
}

// DefaultPrecautions returns the built-in precaution table. It covers every
// disease in the bundled dataset.
func DefaultPrecautions() PrecautionTable {
	return PrecautionTable{
		"Fever":            {"Every 6 hours after food, do not exceed daily dose", "3 days", "If fever persists beyond 3 days"},
		"Cold":             {"Once at night, may cause drowsiness", "5 days", "If breathing difficulty develops"},
		"Pain":             {"Twice daily after food", "5 days", "If pain worsens or persists"},
		"Infection":        {"Every 8 hours, complete the full course", "7 days", "If no improvement after 3 days"},
		"Allergy":          {"Once daily, avoid known allergens", "7 days", "If swelling or rash spreads"},
		"Diabetes":         {"Twice daily with meals, avoid alcohol", "Ongoing", "Monthly blood sugar review"},
		"Hypertension":     {"Once daily in the morning", "Ongoing", "Monthly blood pressure check"},
		"Asthma":           {"As needed, carry inhaler always", "Ongoing", "If inhaler use exceeds twice a week"},
		"Thyroid":          {"Once daily on empty stomach", "Ongoing", "Thyroid panel every 3 months"},
		"Gastritis":        {"Twice daily before meals, avoid spicy food", "14 days", "If vomiting or black stools occur"},
		"Acid Reflux":      {"Once daily before breakfast, do not lie down after eating", "14 days", "If symptoms persist after 2 weeks"},
		"Diarrhea":         {"After each loose stool, maintain hydration", "3 days", "If blood in stool or dehydration"},
		"Heart Disease":    {"Once daily, do not skip dose", "Ongoing", "Cardiology review every 3 months"},
		"High Cholesterol": {"Once daily at night", "Ongoing", "Lipid profile every 3 months"},
		"Migraine":         {"At onset of headache, avoid triggers", "As needed", "If more than 4 attacks a month"},
		"Anxiety":          {"Once daily, avoid driving", "4 weeks", "Fortnightly review"},
		"Depression":       {"Once daily, do not stop abruptly", "6 months", "Monthly review"},
		"Insomnia":         {"30 minutes before bed, maintain sleep routine", "2 weeks", "If sleep does not improve"},
		"Epilepsy":         {"Twice daily at fixed times, do not miss doses", "Ongoing", "Immediately after any seizure"},
		"Bronchitis":       {"Three times daily, complete medication", "7 days", "If fever or breathlessness increases"},
		"Pneumonia":        {"Every 8 hours, hospital monitoring advised", "10 days", "Immediately if breathing worsens"},
		"Arthritis":        {"Twice daily after food, use lowest effective dose", "4 weeks", "If joint swelling increases"},
		"UTI":              {"Twice daily, increase fluid intake", "5 days", "If fever or back pain develops"},
		"Kidney Stones":    {"As needed for pain, drink plenty of water", "7 days", "If pain is severe or urine is blocked"},
		"Anemia":           {"Once daily with vitamin C", "3 months", "Blood count after 1 month"},

		"Obesity":              {"Once daily, follow low-fat diet", "3 months", "Weight review every month"},
		"Constipation":         {"Once at bedtime, increase fiber intake", "7 days", "If no bowel movement for 3 days"},
		"IBS":                  {"Before meals, avoid trigger foods", "4 weeks", "If weight loss or bleeding occurs"},
		"Back Pain":            {"Twice daily after food, avoid heavy lifting", "7 days", "If numbness or leg weakness develops"},
		"Sinusitis":            {"Twice daily, steam inhalation advised", "7 days", "If facial swelling or high fever"},
		"Conjunctivitis":       {"Eye drops 4 times daily, avoid touching eyes", "5 days", "If vision becomes blurred"},
		"Eczema":               {"Apply twice daily, avoid irritants", "2 weeks", "If skin cracks or weeps"},
		"Acne":                 {"Apply once daily on clean skin", "8 weeks", "If cysts or scarring develop"},
		"Vitamin D Deficiency": {"Once weekly with food, sun exposure advised", "8 weeks", "Vitamin D level after 3 months"},
		"Dehydration":          {"After each loss, drink fluids frequently", "2 days", "If unable to keep fluids down"},
	}
}
