// Package pipeline holds the error taxonomy shared by every
// memory-pipeline component. Callers outside this module only ever see
// a *pipeline.Error, never a raw adapter error, so they can branch on
// Kind without knowing which store or gateway produced it.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure independent of which component raised it.
type Kind string

const (
	// KindInvalidInput means the caller's request failed validation before
	// any component was invoked.
	KindInvalidInput Kind = "invalid_input"
	// KindStoreUnavailable means the relational store could not be
	// reached or a required query failed.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindAnalyzerUnavailable means the analyzer could not be reached at all.
	KindAnalyzerUnavailable Kind = "analyzer_unavailable"
	// KindAnalyzerMalformed means the analyzer responded but its output
	// didn't parse as the expected structured object, even after the one
	// allowed retry.
	KindAnalyzerMalformed Kind = "analyzer_malformed"
	// KindVectorUnavailable means the vector store could not be reached or
	// a write/search against it failed.
	KindVectorUnavailable Kind = "vector_unavailable"
	// KindGraphUnavailable means the graph store could not be reached or a
	// write/search against it failed.
	KindGraphUnavailable Kind = "graph_unavailable"
	// KindTimeout means a per-branch deadline elapsed before a component
	// responded.
	KindTimeout Kind = "timeout"
	// KindInternal covers anything else: a broken invariant, a programmer
	// error, an unexpected state-machine transition.
	KindInternal Kind = "internal"
)

// Error is the structured envelope every exported pipeline operation
// returns on failure. Stage names the operation in progress when the
// failure occurred (e.g. "ingest.analyze", "retrieve.search_intelligent")
// so callers and logs can tell where in a multi-step pipeline things broke.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// Wrap constructs an Error wrapping cause, preserving it for errors.Is/As.
func Wrap(kind Kind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Err: cause}
}

// Is reports whether err is a pipeline *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
