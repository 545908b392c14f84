package training

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"text/tabwriter"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/ml/forest"
)

// ClassMetrics are per-drug hold-out metrics
type ClassMetrics struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report summarises a hold-out evaluation
type Report struct {
	TrainRows   int            `json:"train_rows"`
	TestRows    int            `json:"test_rows"`
	Accuracy    float64        `json:"accuracy"`
	Classes     []ClassMetrics `json:"classes"`
	MacroAvg    ClassMetrics   `json:"macro_avg"`
	WeightedAvg ClassMetrics   `json:"weighted_avg"`
}

// Split shuffles row indices with seed and returns train and test indices.
func Split(n int, testFraction float64, seed int64) (train, test []int) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nTest := int(float64(n)*testFraction + 0.5)
	if testFraction > 0 && nTest == 0 {
		nTest = 1
	}
	if nTest >= n {
		nTest = n - 1
	}
	return idx[nTest:], idx[:nTest]
}

// Evaluate trains on a shuffled (1-testFraction) share of the dataset and
// scores the remaining rows. Encoders are fitted on the full dataset so that
// every test value is encodable.
func Evaluate(ctx context.Context, ds *Dataset, cfg forest.Config, testFraction float64, seed int64) (*Report, error) {
	if ds == nil || ds.Len() < 2 {
		return nil, fmt.Errorf("evaluation needs at least 2 rows")
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, fmt.Errorf("test fraction %.2f must be in (0, 1)", testFraction)
	}

	enc := FitEncoders(ds)
	x, y, err := Encode(enc, ds.Records)
	if err != nil {
		return nil, err
	}

	trainIdx, testIdx := Split(ds.Len(), testFraction, seed)
	trainX, trainY := pick(x, y, trainIdx)
	testX, testY := pick(x, y, testIdx)

	model, err := forest.Train(ctx, trainX, trainY, cfg)
	if err != nil {
		return nil, err
	}

	drugs, _ := enc.Vocabulary(prescription.FieldDrug)
	k := drugs.Len()
	tp := make([]int, k)
	predicted := make([]int, k)
	support := make([]int, k)
	correct := 0

	for i, row := range testX {
		pred, err := model.Predict(row)
		if err != nil {
			return nil, err
		}
		predicted[pred]++
		support[testY[i]]++
		if pred == testY[i] {
			tp[pred]++
			correct++
		}
	}

	report := &Report{
		TrainRows: len(trainIdx),
		TestRows:  len(testIdx),
		Accuracy:  float64(correct) / float64(len(testIdx)),
	}

	var macro, weighted ClassMetrics
	labelled := 0
	for c := 0; c < k; c++ {
		if support[c] == 0 && predicted[c] == 0 {
			continue
		}
		label, _ := drugs.Decode(c)
		m := ClassMetrics{
			Label:     label,
			Precision: ratio(tp[c], predicted[c]),
			Recall:    ratio(tp[c], support[c]),
			Support:   support[c],
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		report.Classes = append(report.Classes, m)

		labelled++
		macro.Precision += m.Precision
		macro.Recall += m.Recall
		macro.F1 += m.F1
		w := float64(m.Support)
		weighted.Precision += w * m.Precision
		weighted.Recall += w * m.Recall
		weighted.F1 += w * m.F1
	}

	total := float64(len(testIdx))
	report.MacroAvg = ClassMetrics{
		Label:     "macro avg",
		Precision: macro.Precision / float64(labelled),
		Recall:    macro.Recall / float64(labelled),
		F1:        macro.F1 / float64(labelled),
		Support:   len(testIdx),
	}
	report.WeightedAvg = ClassMetrics{
		Label:     "weighted avg",
		Precision: weighted.Precision / total,
		Recall:    weighted.Recall / total,
		F1:        weighted.F1 / total,
		Support:   len(testIdx),
	}
	return report, nil
}

func pick(x [][]float64, y []int, idx []int) ([][]float64, []int) {
	px := make([][]float64, len(idx))
	py := make([]int, len(idx))
	for i, j := range idx {
		px[i] = x[j]
		py[i] = y[j]
	}
	return px, py
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// WriteTo prints the report as an aligned table.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintf(tw, "\tprecision\trecall\tf1-score\tsupport\t\n")
	for _, m := range r.Classes {
		writeRow(tw, m)
	}
	fmt.Fprintf(tw, "\t\t\t\t\t\n")
	fmt.Fprintf(tw, "accuracy\t\t\t%.2f\t%d\t\n", r.Accuracy, r.TestRows)
	writeRow(tw, r.MacroAvg)
	writeRow(tw, r.WeightedAvg)

	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

func writeRow(w io.Writer, m ClassMetrics) {
	fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", m.Label, m.Precision, m.Recall, m.F1, m.Support)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
