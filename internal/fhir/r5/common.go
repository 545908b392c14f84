// Package r5 provides the FHIR R5 structures used to exchange prescription
// records with other clinical systems.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	Time time.Time `json:"time,omitempty"`
	Text string    `json:"text"`
}

// HumanName represents a human name.
type HumanName struct {
	Use  string `json:"use,omitempty"`
	Text string `json:"text,omitempty"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL           string    `json:"url"`
	ValueString   string    `json:"valueString,omitempty"`
	ValueInteger  *int      `json:"valueInteger,omitempty"`
	ValueCode     string    `json:"valueCode,omitempty"`
	ValueQuantity *Quantity `json:"valueQuantity,omitempty"`
}

// Patient is the subset of the FHIR Patient resource a record carries. It
// is emitted as a contained resource of the MedicationRequest.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	Extension    []Extension  `json:"extension,omitempty"`
}

// Code systems
const (
	SystemUCUM      = "http://unitsofmeasure.org"
	SystemURN       = "urn:ietf:rfc:3986"
	SystemPatientID = "urn:rxassist:patient-id"
	SystemModel     = "urn:rxassist:model-version"
)

// Extension URLs
const (
	extensionBase         = "https://rxassist.example.org/fhir/StructureDefinition/"
	ExtensionSeverity     = extensionBase + "disease-severity"
	ExtensionSymptomScore = extensionBase + "symptom-score"
	ExtensionAge          = extensionBase + "patient-age"
	ExtensionBodyWeight   = extensionBase + "body-weight"
)

// Medication request statuses
const (
	StatusActive = "active"
	StatusDraft  = "draft"
)

// Medication request intents
const (
	IntentProposal = "proposal"
	IntentOrder    = "order"
)
