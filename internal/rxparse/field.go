// Package rxparse turns free-text prescriptions into structured, confidence-scored
// medication records with derived dosing schedules.
//
// The package is pure: it performs no I/O and keeps no state between calls apart from
// the read-only reference tables it is given.
package rxparse

import "math"

// Field wraps every extracted value with how sure the parser is about it and
// the text it came from
type Field[T any] struct {
	Value            T        `json:"value"`
	Confidence       float64  `json:"confidence"`
	SourceText       string   `json:"source_text,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// Confidence levels shared by the extractors
const (
	confExact     = 0.95
	confStrong    = 0.9
	confInferred  = 0.75
	confWeak      = 0.6
	confDefaulted = 0.3
	confNone      = 0.0
)

func found[T any](v T, conf float64, src string) Field[T] {
	return Field[T]{Value: v, Confidence: clamp01(conf), SourceText: src}
}

// missing is the unparseable sentinel: zero value, confidence 0 and the reason
func missing[T any](reason string) Field[T] {
	return Field[T]{Confidence: confNone, ValidationErrors: []string{reason}}
}

func defaulted[T any](v T, reason string) Field[T] {
	f := Field[T]{Value: v, Confidence: confDefaulted}
	if reason != "" {
		f.ValidationErrors = []string{reason}
	}
	return f
}

// Found reports whether the field carries an extracted value
func (f Field[T]) Found() bool {
	return f.Confidence > confDefaulted
}

func (f *Field[T]) flag(msg string, factor float64) {
	f.ValidationErrors = append(f.ValidationErrors, msg)
	f.Confidence = clamp01(f.Confidence * factor)
}

func (f *Field[T]) capConfidence(max float64) {
	if f.Confidence > max {
		f.Confidence = max
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
