// Package kernelerr defines the structured error kinds raised by the kernel's
// raise-and-propagate operations (everything except execute_action, which
// captures errors into a result value instead).
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error for callers that want to branch on it with
// errors.Is, without parsing the message.
type Kind string

const (
	NotFound             Kind = "not_found"
	SchemaViolation      Kind = "schema_violation"
	TypeMismatch         Kind = "type_mismatch"
	InvalidTransition    Kind = "invalid_transition"
	UnknownAttribute     Kind = "unknown_attribute"
	CardinalityViolation Kind = "cardinality_violation"
	GenusDeprecated      Kind = "genus_deprecated"
	TaxonomyArchived     Kind = "taxonomy_archived"
	SentinelProtected    Kind = "sentinel_protected"
	BranchUnknown        Kind = "branch_unknown"
	BranchInactive       Kind = "branch_inactive"
	MergeConflict        Kind = "merge_conflict"
	ValidationError      Kind = "validation_error"
	Storage              Kind = "storage"
)

// Error is the concrete error type returned by raise-and-propagate
// operations. Message is meant to be human-readable and, where the spec
// calls for it, lists the valid alternatives (e.g. "valid states: x, y, z").
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is lets errors.Is(err, kernelerr.Sentinel(kernelerr.NotFound)) work by
// comparing Kind against a bare Kind value wrapped as an error.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, preserving err for errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// Sentinel exposes a bare Kind as a comparable error for errors.Is callers
// that don't want to build a full message, e.g. errors.Is(err, kernelerr.Sentinel(NotFound)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Of reports whether err is a kernel error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
