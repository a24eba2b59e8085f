package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrorKind is the fixed failure taxonomy. Every failed attempt carries
// exactly one member.
type ErrorKind string

const (
	// Attempt-level kinds, recovered locally.
	ErrKindProviderError   ErrorKind = "provider_error"
	ErrKindProviderTimeout ErrorKind = "provider_timeout"
	ErrKindParsingError    ErrorKind = "parsing_error"
	ErrKindSchemaMismatch  ErrorKind = "schema_mismatch"

	// Sample-level terminal kind when all refinement attempts are spent.
	ErrKindRefinementExhausted ErrorKind = "refinement_exhausted"

	// Run-level precondition kinds, fatal.
	ErrKindConfigMismatch  ErrorKind = "config_mismatch"
	ErrKindDataUnavailable ErrorKind = "data_unavailable"
)

// Run-level precondition failures. Surfaced immediately, no partial
// processing attempted.
var (
	ErrConfigMismatch  = eris.New("run config does not match persisted run")
	ErrDataUnavailable = eris.New("materialized dataset not found")
	ErrRunNotFound     = eris.New("run state not found")
)

// ParseError reports raw model output that is not well-formed for the
// expected output mode.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse output: " + e.Reason
}

// FieldViolation is one schema rule broken by otherwise well-formed output.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SchemaError reports output that parsed but violates the target schema.
type SchemaError struct {
	Violations []FieldViolation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Reason
	}
	return fmt.Sprintf("schema mismatch (%d fields): %s", len(e.Violations), strings.Join(parts, "; "))
}

// Detail renders the violation list for correction prompts.
func (e *SchemaError) Detail() string {
	var b strings.Builder
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "- %s: %s\n", v.Field, v.Reason)
	}
	return b.String()
}

// ProviderError wraps a failure from the model backend. Timeout marks
// deadline-style failures so Classify can keep them distinguishable.
type ProviderError struct {
	Err     error
	Timeout bool
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return "provider timeout: " + e.Err.Error()
	}
	return "provider error: " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps a failure into exactly one taxonomy member. It is a pure
// function of the error's structure and never depends on ambient timing.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Timeout || errors.Is(pe.Err, context.DeadlineExceeded) {
			return ErrKindProviderTimeout
		}
		return ErrKindProviderError
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ErrKindParsingError
	}

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return ErrKindSchemaMismatch
	}

	switch {
	case errors.Is(err, ErrConfigMismatch):
		return ErrKindConfigMismatch
	case errors.Is(err, ErrDataUnavailable):
		return ErrKindDataUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindProviderTimeout
	}

	// Anything else raised during an attempt came from the backend call.
	return ErrKindProviderError
}

// IsProviderKind reports whether k is a provider-level failure, which by
// default does not consume a refinement slot.
func (k ErrorKind) IsProviderKind() bool {
	return k == ErrKindProviderError || k == ErrKindProviderTimeout
}
