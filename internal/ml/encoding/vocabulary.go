// Package encoding maps categorical training values to stable integer codes.
//
// Codes are assigned in sorted order of the distinct observed values, so the
// same dataset always yields the same codes regardless of row order.
package encoding

import (
	"sort"
)

// Vocabulary is a frozen bijection between category values and codes 0..k-1.
type Vocabulary struct {
	field  string
	values []string
	codes  map[string]int
}

// Fit builds a vocabulary from the distinct values observed for a field.
func Fit(field string, values []string) *Vocabulary {
	seen := make(map[string]struct{}, len(values))
	distinct := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		distinct = append(distinct, v)
	}
	sort.Strings(distinct)

	codes := make(map[string]int, len(distinct))
	for i, v := range distinct {
		codes[v] = i
	}

	return &Vocabulary{field: field, values: distinct, codes: codes}
}

// Field returns the name of the encoded field
func (v *Vocabulary) Field() string { return v.field }

// Len returns the number of known values
func (v *Vocabulary) Len() int { return len(v.values) }

// Encode returns the code for value.
func (v *Vocabulary) Encode(value string) (int, error) {
	code, ok := v.codes[value]
	if !ok {
		return 0, &UnknownCategoryError{Field: v.field, Value: value}
	}
	return code, nil
}

// Decode returns the value for code.
func (v *Vocabulary) Decode(code int) (string, error) {
	if code < 0 || code >= len(v.values) {
		return "", &InvalidCodeError{Field: v.field, Code: code, Size: len(v.values)}
	}
	return v.values[code], nil
}

// Contains reports whether value was seen during fit
func (v *Vocabulary) Contains(value string) bool {
	_, ok := v.codes[value]
	return ok
}

// Values returns a copy of the vocabulary in code order.
func (v *Vocabulary) Values() []string {
	out := make([]string, len(v.values))
	copy(out, v.values)
	return out
}
