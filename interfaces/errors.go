package interfaces

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidInput is returned for malformed or missing input fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEntityExists is returned when an entity identifier is already registered.
	ErrEntityExists = errors.New("entity already registered")

	// ErrEntityNotFound is returned when no active entity matches an identifier.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRuleExists is returned when a validation rule name is already taken.
	ErrRuleExists = errors.New("validation rule already exists")

	// ErrRuleNotFound is returned when no validation rule matches an id.
	ErrRuleNotFound = errors.New("validation rule not found")

	// ErrKeyExists is returned when a signing key with the same kid is already stored.
	ErrKeyExists = errors.New("signing key already exists")

	// ErrKeyNotFound is returned when no signing key matches a kid, or no key is active.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrStatementNotFound is returned when a subject has no current statement.
	ErrStatementNotFound = errors.New("entity statement not found")

	// ErrRemoteFetch is returned when a remote entity configuration could not be
	// fetched or decoded.
	ErrRemoteFetch = errors.New("could not fetch entity statement")

	// ErrVerification is returned when a statement signature, expiry, issuer or
	// key material does not check out.
	ErrVerification = errors.New("statement verification failed")

	// ErrStoreUnavailable wraps I/O failures of the persistent store. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError carries every message produced by a rejected rule evaluation.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}
