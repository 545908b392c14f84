package encoding

import (
	"fmt"
	"sort"
)

// Set groups the vocabularies fitted for one training run. It is immutable
// once built and safe for concurrent readers.
type Set struct {
	vocabs map[string]*Vocabulary
}

// FitSet fits one vocabulary per column.
func FitSet(columns map[string][]string) *Set {
	s := &Set{vocabs: make(map[string]*Vocabulary, len(columns))}
	for field, values := range columns {
		s.vocabs[field] = Fit(field, values)
	}
	return s
}

// Vocabulary returns the vocabulary for field
func (s *Set) Vocabulary(field string) (*Vocabulary, bool) {
	v, ok := s.vocabs[field]
	return v, ok
}

// Fields returns the fitted field names, sorted
func (s *Set) Fields() []string {
	fields := make([]string, 0, len(s.vocabs))
	for f := range s.vocabs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Encode encodes value using the vocabulary for field.
func (s *Set) Encode(field, value string) (int, error) {
	v, ok := s.vocabs[field]
	if !ok {
		return 0, fmt.Errorf("no vocabulary fitted for field %q", field)
	}
	return v.Encode(value)
}

// Decode decodes code using the vocabulary for field.
func (s *Set) Decode(field string, code int) (string, error) {
	v, ok := s.vocabs[field]
	if !ok {
		return "", fmt.Errorf("no vocabulary fitted for field %q", field)
	}
	return v.Decode(code)
}
