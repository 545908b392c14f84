package forest

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFeatureVector is matched by every InvalidFeatureVectorError.
	ErrInvalidFeatureVector = errors.New("invalid feature vector")
	// ErrEmptyTrainingSet is returned by Train when no rows are supplied.
	ErrEmptyTrainingSet = errors.New("empty training set")
)

// InvalidFeatureVectorError reports a feature vector the forest cannot score.
type InvalidFeatureVectorError struct {
	Reason string
}

func (e *InvalidFeatureVectorError) Error() string {
	return fmt.Sprintf("invalid feature vector: %s", e.Reason)
}

// Is reports whether target is ErrInvalidFeatureVector
func (e *InvalidFeatureVectorError) Is(target error) bool { return target == ErrInvalidFeatureVector }
