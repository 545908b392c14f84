package prescription

import (
	"encoding/json"
	"testing"
)

func TestGeneratedEventRoundTrip(t *testing.T) {
	rec := NewRecord("P-100", "Asha", Input{Age: 30, Weight: 65, Gender: GenderMale, Disease: "Fever", Severity: SeverityMild, SymptomScore: 5},
		Result{Drug: "Paracetamol", DosageMg: 250, Precaution: FallbackPrecaution}, "rf-abc")

	e, err := NewGeneratedEvent(rec)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	e.WithCorrelation("req-1")
	if e.AggregateID != rec.ID.String() || e.PatientID != "P-100" {
		t.Errorf("unexpected event envelope: %+v", e)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, got, err := DecodeGenerated(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CorrelationID != "req-1" {
		t.Errorf("correlation lost: %q", decoded.CorrelationID)
	}
	if got.ID != rec.ID || got.Result != rec.Result || got.Input != rec.Input {
		t.Errorf("record mismatch: %+v", got)
	}
}

func TestDecodeGenerated_Rejects(t *testing.T) {
	other, _ := NewEvent("x", EventType("SomethingElse"), map[string]string{})
	otherPayload, _ := json.Marshal(other)

	empty, _ := NewEvent("x", EventPrescriptionGenerated, &PrescriptionGeneratedData{})
	emptyPayload, _ := json.Marshal(empty)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"malformed", []byte("{")},
		{"wrong type", otherPayload},
		{"no record", emptyPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeGenerated(tt.payload); err == nil {
				t.Error("expected error")
			}
		})
	}
}
