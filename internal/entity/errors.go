package entity

import (
	"errors"
	"fmt"
)

// Error kinds. These are stable identifiers rendered in the REST error
// envelope; callers branch on them rather than on concrete types.
const (
	KindGuardFailure          = "guardFailure"
	KindConfigurationInvalid  = "configurationInvalid"
	KindBackendUnavailable    = "backendUnavailable"
	KindLookupFailed          = "lookupFailed"
	KindWriteFailed           = "writeFailed"
	KindRemoveFailed          = "removeFailed"
	KindQueryFailed           = "queryFailed"
	KindUnsupportedComparison = "unsupportedComparison"
	KindSortNotIndexed        = "sortNotIndexed"
	KindUndefinedProperty     = "undefinedProperty"
	KindSignatureInvalid      = "signatureInvalid"
)

// StoreError is the single error type for the storage layer. Kind carries the
// taxonomy identifier; Op, Container and ID give the failing operation
// context; Inner preserves the backend cause.
type StoreError struct {
	Kind      string
	Op        string
	Container string
	ID        string
	Message   string
	Inner     error
}

func (e *StoreError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind
	}
	s := fmt.Sprintf("%s: %s", e.Op, msg)
	if e.Container != "" {
		s += fmt.Sprintf(" (container=%s", e.Container)
		if e.ID != "" {
			s += fmt.Sprintf(", id=%s", e.ID)
		}
		s += ")"
	} else if e.ID != "" {
		s += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Inner != nil {
		s += ": " + e.Inner.Error()
	}
	return s
}

func (e *StoreError) Unwrap() error { return e.Inner }

// ErrKind extracts the taxonomy kind from err, or "" when err is not a
// StoreError anywhere in its chain.
func ErrKind(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind string) bool {
	return ErrKind(err) == kind
}

// GuardErr builds a GuardFailure for a missing or malformed argument.
func GuardErr(op, message string) error {
	return &StoreError{Kind: KindGuardFailure, Op: op, Message: message}
}

// OpErr wraps a backend cause with an operation kind and key fields.
func OpErr(kind, op, container, id string, inner error) error {
	return &StoreError{Kind: kind, Op: op, Container: container, ID: id, Inner: inner}
}
