package prescription

import (
	"fmt"
	"time"

	"github.com/drfirst/go-rxassist/internal/ml/encoding"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
)

// FeatureCount is the length of the classifier feature vector:
// [age, weight, gender, disease, severity, symptom_score].
const FeatureCount = 6

// ModelInfo describes a trained Predictor
type ModelInfo struct {
	Version          string    `json:"version"`
	TrainedAt        time.Time `json:"trained_at"`
	TrainingRows     int       `json:"training_rows"`
	TrainingAccuracy float64   `json:"training_accuracy"`
	Trees            int       `json:"trees"`
	MaxDepth         int       `json:"max_depth"`
	Seed             int64     `json:"seed"`
	Drugs            int       `json:"drugs"`
	Diseases         int       `json:"diseases"`
}

// Catalog lists the categorical values a Predictor accepts.
type Catalog struct {
	Genders    []string `json:"genders"`
	Severities []string `json:"severities"`
	Diseases   []string `json:"diseases"`
	Drugs      []string `json:"drugs"`
}

// Predictor pairs a trained forest with the encoders it was trained with.
// A Predictor is immutable; retraining builds a new one.
type Predictor struct {
	gender   *encoding.Vocabulary
	disease  *encoding.Vocabulary
	severity *encoding.Vocabulary
	drug     *encoding.Vocabulary
	model    *forest.Forest
	info     ModelInfo
}

// NewPredictor checks that encoders and model belong together.
func NewPredictor(encoders *encoding.Set, model *forest.Forest, info ModelInfo) (*Predictor, error) {
	if encoders == nil || model == nil {
		return nil, fmt.Errorf("predictor requires encoders and a model")
	}

	p := &Predictor{model: model}
	for field, dst := range map[string]**encoding.Vocabulary{
		FieldGender:   &p.gender,
		FieldDisease:  &p.disease,
		FieldSeverity: &p.severity,
		FieldDrug:     &p.drug,
	} {
		v, ok := encoders.Vocabulary(field)
		if !ok {
			return nil, fmt.Errorf("missing %s encoder", field)
		}
		*dst = v
	}

	if model.NumFeatures() != FeatureCount {
		return nil, fmt.Errorf("model expects %d features, pipeline produces %d", model.NumFeatures(), FeatureCount)
	}
	if model.NumClasses() > p.drug.Len() {
		return nil, fmt.Errorf("model has %d classes but drug vocabulary has %d", model.NumClasses(), p.drug.Len())
	}

	cfg := model.Config()
	info.Trees = model.NumTrees()
	info.MaxDepth = cfg.MaxDepth
	info.Seed = cfg.Seed
	info.Drugs = p.drug.Len()
	info.Diseases = p.disease.Len()
	p.info = info
	return p, nil
}

// Info returns model metadata
func (p *Predictor) Info() ModelInfo { return p.info }

// Catalog returns the accepted categorical values, in code order.
func (p *Predictor) Catalog() Catalog {
	return Catalog{
		Genders:    p.gender.Values(),
		Severities: p.severity.Values(),
		Diseases:   p.disease.Values(),
		Drugs:      p.drug.Values(),
	}
}

// Features encodes an Input as a classifier feature vector.
func (p *Predictor) Features(in Input) ([]float64, error) {
	g, err := p.gender.Encode(string(in.Gender))
	if err != nil {
		return nil, err
	}
	d, err := p.disease.Encode(string(in.Disease))
	if err != nil {
		return nil, err
	}
	s, err := p.severity.Encode(string(in.Severity))
	if err != nil {
		return nil, err
	}
	return []float64{
		float64(in.Age),
		float64(in.Weight),
		float64(g),
		float64(d),
		float64(s),
		float64(in.SymptomScore),
	}, nil
}

// PredictDrug returns the drug name the model recommends for in.
func (p *Predictor) PredictDrug(in Input) (string, error) {
	x, err := p.Features(in)
	if err != nil {
		return "", err
	}
	code, err := p.model.Predict(x)
	if err != nil {
		return "", err
	}
	return p.drug.Decode(code)
}
