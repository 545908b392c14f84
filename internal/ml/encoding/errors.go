package encoding

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCategory is matched by every UnknownCategoryError.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrInvalidCode is matched by every InvalidCodeError.
	ErrInvalidCode = errors.New("invalid category code")
)

// UnknownCategoryError reports a value outside a fitted vocabulary.
type UnknownCategoryError struct {
	Field string
	Value string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}

// Is reports whether target is ErrUnknownCategory
func (e *UnknownCategoryError) Is(target error) bool { return target == ErrUnknownCategory }

// InvalidCodeError reports a code outside [0, Size). It signals that a model
// was paired with the wrong encoder.
type InvalidCodeError struct {
	Field string
	Code  int
	Size  int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid %s code %d (vocabulary size %d)", e.Field, e.Code, e.Size)
}

// Is reports whether target is ErrInvalidCode
func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalidCode }
