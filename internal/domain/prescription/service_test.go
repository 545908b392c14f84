package prescription_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/ml/encoding"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
	"github.com/drfirst/go-rxassist/internal/training"
)

const datasetPath = "../../../data/medical_prescription_dataset.csv"

var buildPredictor = sync.OnceValues(func() (*prescription.Predictor, error) {
	ds, err := training.LoadDatasetFile(datasetPath)
	if err != nil {
		return nil, err
	}
	return training.Build(context.Background(), ds, forest.Config{Trees: 30, MaxDepth: 12, Seed: 42})
})

func newService(t *testing.T) *prescription.Service {
	t.Helper()
	p, err := buildPredictor()
	if err != nil {
		t.Fatalf("build predictor: %v", err)
	}
	svc, err := prescription.NewService(p, prescription.DefaultPrecautions(), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func baseInput() prescription.Input {
	return prescription.Input{
		Age:          30,
		Weight:       65,
		Gender:       prescription.GenderMale,
		Disease:      "Fever",
		Severity:     prescription.SeverityMild,
		SymptomScore: 5,
	}
}

func TestGenerate_Scenarios(t *testing.T) {
	svc := newService(t)
	fever := prescription.DefaultPrecautions()["Fever"].String()

	tests := []struct {
		name           string
		mutate         func(*prescription.Input)
		wantDosage     int
		wantPrecaution string
	}{
		{"mild fever", func(*prescription.Input) {}, 250, fever},
		{"heavy patient", func(in *prescription.Input) { in.Weight = 85 }, 350, fever},
		{"severe elderly", func(in *prescription.Input) {
			in.Severity = prescription.SeveritySevere
			in.Age = 65
		}, 650, fever + prescription.ElderlySuffix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)

			res, err := svc.Generate(context.Background(), in)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if res.DosageMg != tt.wantDosage {
				t.Errorf("expected dosage %d, got %d", tt.wantDosage, res.DosageMg)
			}
			if res.Precaution != tt.wantPrecaution {
				t.Errorf("expected precaution %q, got %q", tt.wantPrecaution, res.Precaution)
			}
			if res.Drug == "" {
				t.Error("expected a drug")
			}
		})
	}
}

func TestGenerate_DiseaseWithoutPrecaution(t *testing.T) {
	p, err := buildPredictor()
	if err != nil {
		t.Fatalf("build predictor: %v", err)
	}
	table := prescription.DefaultPrecautions()
	delete(table, "Acne")
	svc, err := prescription.NewService(p, table, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	tests := []struct {
		name string
		age  int
		want string
	}{
		{"adult", 30, prescription.FallbackPrecaution},
		{"elderly", 70, prescription.FallbackPrecaution + prescription.ElderlySuffix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			in.Disease = "Acne"
			in.Age = tt.age

			res, err := svc.Generate(context.Background(), in)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if res.Precaution != tt.want {
				t.Errorf("expected precaution %q, got %q", tt.want, res.Precaution)
			}
			if res.DosageMg != 250 {
				t.Errorf("expected dosage 250, got %d", res.DosageMg)
			}
		})
	}
}

func TestDefaultPrecautions_CoverVocabulary(t *testing.T) {
	svc := newService(t)
	for _, disease := range svc.Catalog().Diseases {
		if !svc.Precautions().Has(disease) {
			t.Errorf("%s has no precaution entry", disease)
		}
	}
}

func TestGenerate_FeverPrecautionText(t *testing.T) {
	res, err := newService(t).Generate(context.Background(), baseInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(res.Precaution, "Duration: 3 days") {
		t.Errorf("unexpected fever precaution %q", res.Precaution)
	}
	if strings.Contains(res.Precaution, "Consult doctor regularly") {
		t.Error("age suffix applied to a 30 year old")
	}
}

func TestGenerate_UnknownCategory(t *testing.T) {
	svc := newService(t)

	tests := []struct {
		name   string
		mutate func(*prescription.Input)
		field  string
	}{
		{"gender", func(in *prescription.Input) { in.Gender = "Other" }, prescription.FieldGender},
		{"disease", func(in *prescription.Input) { in.Disease = "Common Flu" }, prescription.FieldDisease},
		{"severity", func(in *prescription.Input) { in.Severity = "Critical" }, prescription.FieldSeverity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)

			res, err := svc.Generate(context.Background(), in)
			if res != nil {
				t.Errorf("expected no result, got %+v", res)
			}
			var unknown *encoding.UnknownCategoryError
			if !errors.As(err, &unknown) {
				t.Fatalf("expected UnknownCategoryError, got %v", err)
			}
			if unknown.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, unknown.Field)
			}
		})
	}
}

func TestGenerate_DrugFromVocabulary(t *testing.T) {
	svc := newService(t)
	drugs := make(map[string]bool)
	for _, d := range svc.Catalog().Drugs {
		drugs[d] = true
	}

	for _, disease := range svc.Catalog().Diseases {
		for _, sev := range prescription.Severities {
			in := baseInput()
			in.Disease = prescription.Disease(disease)
			in.Severity = sev

			res, err := svc.Generate(context.Background(), in)
			if err != nil {
				t.Fatalf("%s/%s: %v", disease, sev, err)
			}
			if !drugs[res.Drug] {
				t.Errorf("%s/%s: drug %q not in vocabulary", disease, sev, res.Drug)
			}
			if res.DosageMg < prescription.DosageMild {
				t.Errorf("%s/%s: dosage %d below minimum", disease, sev, res.DosageMg)
			}
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	svc := newService(t)
	in := baseInput()

	first, err := svc.Generate(context.Background(), in)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 0; i < 20; i++ {
		res, err := svc.Generate(context.Background(), in)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if *res != *first {
			t.Fatalf("result changed between calls: %+v vs %+v", first, res)
		}
	}
}

func TestService_SwapUnderLoad(t *testing.T) {
	svc := newService(t)
	p := svc.Predictor()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := svc.Generate(context.Background(), baseInput()); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if _, err := svc.Swap(p); err != nil {
			t.Fatalf("swap: %v", err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("generate during swap: %v", err)
	}

	if _, err := svc.Swap(nil); err == nil {
		t.Error("expected error swapping in a nil predictor")
	}
}

func TestNewService(t *testing.T) {
	if _, err := prescription.NewService(nil, nil, nil); err == nil {
		t.Error("expected error for nil predictor")
	}

	p, err := buildPredictor()
	if err != nil {
		t.Fatalf("build predictor: %v", err)
	}
	svc, err := prescription.NewService(p, nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if !svc.Precautions().Has("Fever") {
		t.Error("expected default precautions")
	}
	if svc.Info().Version != p.Info().Version {
		t.Error("service reports a different model version")
	}
}

func TestNewPredictor_Mismatch(t *testing.T) {
	enc := encoding.FitSet(map[string][]string{
		prescription.FieldGender:   {"Male"},
		prescription.FieldDisease:  {"Fever"},
		prescription.FieldSeverity: {"Mild"},
		prescription.FieldDrug:     {"Paracetamol"},
	})
	model, err := forest.Train(context.Background(), [][]float64{{1, 2}, {3, 4}}, []int{0, 0}, forest.Config{Trees: 1, Seed: 1})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, err := prescription.NewPredictor(enc, model, prescription.ModelInfo{}); err == nil {
		t.Error("expected feature count mismatch")
	}

	partial := encoding.FitSet(map[string][]string{prescription.FieldGender: {"Male"}})
	if _, err := prescription.NewPredictor(partial, model, prescription.ModelInfo{}); err == nil {
		t.Error("expected missing encoder error")
	}
}

func TestPrescribe(t *testing.T) {
	svc := newService(t)

	rec, err := svc.Prescribe(context.Background(), "P-7", "Meera", baseInput())
	if err != nil {
		t.Fatalf("prescribe: %v", err)
	}
	if rec.PatientID != "P-7" || rec.PatientName != "Meera" {
		t.Errorf("unexpected patient fields: %+v", rec)
	}
	if rec.ModelVersion != svc.Info().Version {
		t.Errorf("expected model version %s, got %s", svc.Info().Version, rec.ModelVersion)
	}
	if rec.Result.DosageMg != 250 || rec.CreatedAt.IsZero() {
		t.Errorf("unexpected record %+v", rec)
	}

	bad := baseInput()
	bad.Gender = "Other"
	if rec, err := svc.Prescribe(context.Background(), "P-7", "", bad); err == nil || rec != nil {
		t.Errorf("expected error and no record, got %v, %v", rec, err)
	}
}
