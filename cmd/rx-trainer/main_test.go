package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/config"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
)

const datasetPath = "../../data/medical_prescription_dataset.csv"

func testConfig() *config.Config {
	return &config.Config{
		DatasetPath: datasetPath,
		Forest:      forest.Config{Trees: 10, MaxDepth: 12, MinSamplesSplit: 2, Seed: 42},
	}
}

func TestRun_TextReport(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), testConfig(), nil, &out, zap.NewNop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"model rf-", "10 trees", "training accuracy", "accuracy", "macro avg"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_JSONReport(t *testing.T) {
	var out bytes.Buffer
	args := []string{"-json", "-trees", "5", "-test-fraction", "0.25"}
	if err := run(context.Background(), testConfig(), args, &out, zap.NewNop()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got struct {
		Model struct {
			Version string `json:"version"`
			Trees   int    `json:"trees"`
		} `json:"model"`
		Evaluation struct {
			TrainRows int     `json:"train_rows"`
			TestRows  int     `json:"test_rows"`
			Accuracy  float64 `json:"accuracy"`
		} `json:"evaluation"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if got.Model.Trees != 5 || !strings.HasPrefix(got.Model.Version, "rf-") {
		t.Errorf("unexpected model %+v", got.Model)
	}
	total := got.Evaluation.TrainRows + got.Evaluation.TestRows
	if total == 0 || got.Evaluation.TestRows*4 < total-4 || got.Evaluation.TestRows*4 > total+4 {
		t.Errorf("unexpected split %d/%d", got.Evaluation.TrainRows, got.Evaluation.TestRows)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing dataset", []string{"-dataset", "does-not-exist.csv"}},
		{"bad fraction", []string{"-test-fraction", "1.5"}},
		{"unknown flag", []string{"-verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(context.Background(), testConfig(), tt.args, &out, zap.NewNop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}
