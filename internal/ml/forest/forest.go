// Package forest implements a bagged random forest classifier over dense
// numeric feature vectors.
//
// Training is deterministic for a fixed Config.Seed: every tree draws from its
// own generator seeded with (Seed, tree index), so the number of workers used
// to grow trees does not change the result. Predictions are a plurality vote
// across trees with ties going to the lowest label.
package forest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config holds forest training parameters
type Config struct {
	// Trees is the number of trees in the ensemble
	Trees int
	// MaxDepth bounds tree depth; 0 means unbounded
	MaxDepth int
	// MinSamplesSplit is the minimum node size that may be split
	MinSamplesSplit int
	// MaxFeatures is the number of features sampled per split; 0 means sqrt(n)
	MaxFeatures int
	// Seed makes training reproducible
	Seed int64
	// Workers bounds the number of trees grown concurrently
	Workers int
}

// DefaultConfig returns the parameters used by the prescription service
func DefaultConfig() Config {
	return Config{
		Trees:           150,
		MaxDepth:        12,
		MinSamplesSplit: 2,
		Seed:            42,
		Workers:         runtime.GOMAXPROCS(0),
	}
}

// Forest is a trained, immutable ensemble. It is safe for concurrent use.
type Forest struct {
	trees     []*Tree
	nFeatures int
	nClasses  int
	config    Config
}

// Train grows a forest on rows x with class labels y (0..k-1).
func Train(ctx context.Context, x [][]float64, y []int, cfg Config) (*Forest, error) {
	if len(x) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("feature rows (%d) and labels (%d) differ in length", len(x), len(y))
	}

	nFeatures := len(x[0])
	if nFeatures == 0 {
		return nil, fmt.Errorf("training rows have no features")
	}

	nClasses := 0
	for i, row := range x {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), nFeatures)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d feature %d is not finite", i, j)
			}
		}
		if y[i] < 0 {
			return nil, fmt.Errorf("row %d has negative label %d", i, y[i])
		}
		nClasses = max(nClasses, y[i]+1)
	}

	cfg = withDefaults(cfg, nFeatures)

	trees := make([]*Tree, cfg.Trees)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	for i := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(i)))

			sample := make([]int, len(x))
			for k := range sample {
				sample[k] = rng.IntN(len(x))
			}

			b := &treeBuilder{
				x:           x,
				y:           y,
				nClasses:    nClasses,
				nFeatures:   nFeatures,
				maxFeatures: cfg.MaxFeatures,
				maxDepth:    cfg.MaxDepth,
				minSplit:    cfg.MinSamplesSplit,
				rng:         rng,
			}
			trees[i] = b.build(sample)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("train forest: %w", err)
	}

	return &Forest{
		trees:     trees,
		nFeatures: nFeatures,
		nClasses:  nClasses,
		config:    cfg,
	}, nil
}

func withDefaults(cfg Config, nFeatures int) Config {
	def := DefaultConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = max(1, int(math.Sqrt(float64(nFeatures))))
	}
	if cfg.MaxFeatures > nFeatures {
		cfg.MaxFeatures = nFeatures
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return cfg
}

// Predict returns the plurality class for x.
func (f *Forest) Predict(x []float64) (int, error) {
	votes, err := f.Votes(x)
	if err != nil {
		return 0, err
	}
	return majority(votes), nil
}

// Votes returns the number of trees voting for each class.
func (f *Forest) Votes(x []float64) ([]int, error) {
	if err := f.validate(x); err != nil {
		return nil, err
	}
	votes := make([]int, f.nClasses)
	for _, t := range f.trees {
		votes[t.predict(x)]++
	}
	return votes, nil
}

func (f *Forest) validate(x []float64) error {
	if len(x) != f.nFeatures {
		return &InvalidFeatureVectorError{
			Reason: fmt.Sprintf("got %d features, expected %d", len(x), f.nFeatures),
		}
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InvalidFeatureVectorError{Reason: fmt.Sprintf("feature %d is not a finite number", i)}
		}
	}
	return nil
}

// NumTrees returns the ensemble size
func (f *Forest) NumTrees() int { return len(f.trees) }

// NumFeatures returns the expected feature vector length
func (f *Forest) NumFeatures() int { return f.nFeatures }

// NumClasses returns the number of label classes seen during training
func (f *Forest) NumClasses() int { return f.nClasses }

// Config returns the effective training configuration
func (f *Forest) Config() Config { return f.config }

// Tree returns the i-th tree
func (f *Forest) Tree(i int) *Tree { return f.trees[i] }
