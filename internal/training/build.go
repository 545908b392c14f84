package training

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/ml/encoding"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
)

// FitEncoders fits one vocabulary per categorical column.
func FitEncoders(ds *Dataset) *encoding.Set {
	return encoding.FitSet(map[string][]string{
		prescription.FieldGender:   ds.Column(ColGender),
		prescription.FieldDisease:  ds.Column(ColDisease),
		prescription.FieldSeverity: ds.Column(ColSeverity),
		prescription.FieldDrug:     ds.Column(ColDrug),
	})
}

// Encode turns records into feature rows and drug labels.
func Encode(enc *encoding.Set, records []TrainingRecord) ([][]float64, []int, error) {
	x := make([][]float64, len(records))
	y := make([]int, len(records))

	for i, r := range records {
		g, err := enc.Encode(prescription.FieldGender, r.Gender)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		d, err := enc.Encode(prescription.FieldDisease, r.Disease)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		s, err := enc.Encode(prescription.FieldSeverity, r.Severity)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		label, err := enc.Encode(prescription.FieldDrug, r.Drug)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}

		x[i] = []float64{
			float64(r.Age),
			float64(r.Weight),
			float64(g),
			float64(d),
			float64(s),
			float64(r.SymptomScore),
		}
		y[i] = label
	}
	return x, y, nil
}

// Build fits encoders and a forest on the whole dataset and pairs them into
// a Predictor.
func Build(ctx context.Context, ds *Dataset, cfg forest.Config) (*prescription.Predictor, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}

	enc := FitEncoders(ds)
	x, y, err := Encode(enc, ds.Records)
	if err != nil {
		return nil, err
	}

	model, err := forest.Train(ctx, x, y, cfg)
	if err != nil {
		return nil, err
	}

	correct := 0
	for i, row := range x {
		pred, err := model.Predict(row)
		if err != nil {
			return nil, err
		}
		if pred == y[i] {
			correct++
		}
	}

	return prescription.NewPredictor(enc, model, prescription.ModelInfo{
		Version:          Fingerprint(ds, model.Config()),
		TrainedAt:        time.Now().UTC(),
		TrainingRows:     ds.Len(),
		TrainingAccuracy: float64(correct) / float64(len(x)),
	})
}

// Fingerprint identifies a dataset and training configuration. Identical
// inputs always produce the same fingerprint.
func Fingerprint(ds *Dataset, cfg forest.Config) string {
	h := sha256.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeString := func(s string) {
		writeInt(int64(len(s)))
		h.Write([]byte(s))
	}

	for _, r := range ds.Records {
		writeInt(int64(r.Age))
		writeInt(int64(r.Weight))
		writeString(r.Gender)
		writeString(r.Disease)
		writeString(r.Severity)
		writeInt(int64(r.SymptomScore))
		writeString(r.Drug)
	}
	writeInt(int64(cfg.Trees))
	writeInt(int64(cfg.MaxDepth))
	writeInt(int64(cfg.MinSamplesSplit))
	writeInt(int64(cfg.MaxFeatures))
	writeInt(cfg.Seed)

	return "rf-" + hex.EncodeToString(h.Sum(nil))[:12]
}
