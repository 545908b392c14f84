package r5

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

// ContentType is the media type of FHIR JSON documents
const ContentType = "application/fhir+json"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Contained    []Patient    `json:"contained,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn time.Time `json:"authoredOn"`

	// Reason for the prescription
	Reason []CodeableReference `json:"reason,omitempty"`

	// Additional notes about the prescription
	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence    int           `json:"sequence,omitempty"`
	Text        string        `json:"text,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

const containedPatientID = "patient"

// NewMedicationRequest maps a generated prescription to a MedicationRequest.
// Model output is a suggestion for a clinician to review, so the request is
// a draft proposal rather than an active order.
func NewMedicationRequest(rec *prescription.Record) *MedicationRequest {
	age, score := rec.Input.Age, rec.Input.SymptomScore
	dose := rec.Result.Dosage()

	patient := Patient{
		ResourceType: "Patient",
		ID:           containedPatientID,
		Gender:       strings.ToLower(string(rec.Input.Gender)),
		Extension: []Extension{
			{URL: ExtensionAge, ValueInteger: &age},
			{URL: ExtensionBodyWeight, ValueQuantity: &Quantity{
				Value: float64(rec.Input.Weight), Unit: "kg", System: SystemUCUM, Code: "kg",
			}},
		},
	}
	if rec.PatientID != "" {
		patient.Identifier = []Identifier{{Use: "usual", System: SystemPatientID, Value: rec.PatientID}}
	}
	if rec.PatientName != "" {
		patient.Name = []HumanName{{Use: "usual", Text: rec.PatientName}}
	}

	m := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           rec.ID.String(),
		Meta: &Meta{
			LastUpdated: rec.CreatedAt,
			Tag:         []Coding{{System: SystemModel, Code: rec.ModelVersion}},
		},
		Contained: []Patient{patient},
		Extension: []Extension{
			{URL: ExtensionSeverity, ValueCode: strings.ToLower(string(rec.Input.Severity))},
			{URL: ExtensionSymptomScore, ValueInteger: &score},
		},
		Identifier: []Identifier{{Use: "official", System: SystemURN, Value: "urn:uuid:" + rec.ID.String()}},
		Status:     StatusDraft,
		Intent:     IntentProposal,
		Medication: CodeableReference{Concept: &CodeableConcept{Text: rec.Result.Drug}},
		Subject: Reference{
			Reference: "#" + containedPatientID,
			Type:      "Patient",
			Display:   rec.PatientName,
		},
		AuthoredOn:                rec.CreatedAt,
		Reason:                    []CodeableReference{{Concept: &CodeableConcept{Text: string(rec.Input.Disease)}}},
		RenderedDosageInstruction: dose,
		DosageInstruction: []Dosage{{
			Sequence: 1,
			Text:     dose,
			DoseAndRate: []DoseAndRate{{DoseQuantity: &Quantity{
				Value: float64(rec.Result.DosageMg), Unit: "mg", System: SystemUCUM, Code: "mg",
			}}},
		}},
	}
	if rec.Result.Precaution != "" {
		m.Note = []Annotation{{Time: rec.CreatedAt, Text: rec.Result.Precaution}}
	}
	return m
}

// GetPatientID returns the contained patient's identifier value
func (m *MedicationRequest) GetPatientID() string {
	for _, p := range m.Contained {
		if "#"+p.ID != m.Subject.Reference {
			continue
		}
		for _, id := range p.Identifier {
			if id.System == SystemPatientID {
				return id.Value
			}
		}
	}
	return ""
}

// GetMedicationDisplay returns the medication name
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil {
		return m.Medication.Concept.Text
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetDoseMg returns the first dose quantity in milligrams
func (m *MedicationRequest) GetDoseMg() (float64, bool) {
	for _, d := range m.DosageInstruction {
		for _, dr := range d.DoseAndRate {
			if dr.DoseQuantity != nil && dr.DoseQuantity.Code == "mg" {
				return dr.DoseQuantity.Value, true
			}
		}
	}
	return 0, false
}

// ToJSON serializes the MedicationRequest to JSON
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationRequest from JSON
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
