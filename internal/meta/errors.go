package meta

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoMatchingOverload is returned when overload resolution finds no candidate.
	ErrNoMatchingOverload = errors.New("no matching overload")
	// ErrAmbiguousOverload is returned when more than one candidate matches.
	ErrAmbiguousOverload = errors.New("ambiguous overload")
	// ErrLibraryBuilt is returned when a builder is modified after Build.
	ErrLibraryBuilt = errors.New("library already built")
)

// BindingErrorKind classifies build-time failures.
type BindingErrorKind string

const (
	DuplicateType      BindingErrorKind = "duplicate type"
	IncompatibleType   BindingErrorKind = "incompatible type"
	DuplicateSignature BindingErrorKind = "duplicate signature"
	UnresolvedType     BindingErrorKind = "unresolved type"
	InvalidMember      BindingErrorKind = "invalid member"
)

// BindingError reports one build-time failure.
type BindingError struct {
	Kind    BindingErrorKind
	Library string
	Type    string
	Member  string
	Message string
}

// Error implements the error interface.
func (e *BindingError) Error() string {
	var where strings.Builder
	where.WriteString(e.Library)
	if e.Type != "" {
		where.WriteString(":")
		where.WriteString(e.Type)
	}
	if e.Member != "" {
		where.WriteString(".")
		where.WriteString(e.Member)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, where.String(), e.Message)
}

// BuildError aggregates every BindingError found while building a session.
type BuildError struct {
	Errors []*BindingError
}

// Error joins every violation.
func (e *BuildError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, be := range e.Errors {
		msgs[i] = be.Error()
	}
	return fmt.Sprintf("library build failed: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the individual binding errors to errors.As.
func (e *BuildError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, be := range e.Errors {
		out[i] = be
	}
	return out
}

// HasKind reports whether any violation has the given kind.
func (e *BuildError) HasKind(kind BindingErrorKind) bool {
	for _, be := range e.Errors {
		if be.Kind == kind {
			return true
		}
	}
	return false
}
