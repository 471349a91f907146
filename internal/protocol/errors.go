package protocol

import (
	"errors"
	"fmt"
)

// Code categorizes protocol errors. Codes appear on the wire in rejected
// replies and error bodies.
type Code string

const (
	// CodeStaleBaseVersion indicates the client dispatched against an
	// outdated version. It surfaces as a Conflict reply, never as Rejected.
	CodeStaleBaseVersion Code = "STALE_BASE_VERSION"

	// CodeFutureBaseVersion indicates a base version the server never
	// issued. It is a client bug.
	CodeFutureBaseVersion Code = "FUTURE_BASE_VERSION"

	// CodeDomainInvalid indicates the domain refused the action.
	CodeDomainInvalid Code = "DOMAIN_INVALID"

	// CodeUnauthorized indicates the actor may not perform the action.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeStorageRace indicates a concurrent writer advanced the version
	// between read and commit. The authority retries internally.
	CodeStorageRace Code = "STORAGE_RACE"

	// CodeNetworkFailure indicates the request or its reply was lost.
	CodeNetworkFailure Code = "NETWORK_FAILURE"

	// CodeNotFound indicates the entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a protocol error with a code and optional entity context.
type Error struct {
	Code     Code
	Message  string
	EntityID string
	Details  map[string]string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps err as its cause. The message is err's
// text so that domain reasons reach the client unchanged.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// ForEntity returns a copy of e annotated with an entity id.
func (e *Error) ForEntity(id string) *Error {
	c := *e
	c.EntityID = id
	return &c
}

// ErrStorageRace is returned by repositories when a version compare fails.
var ErrStorageRace = &Error{Code: CodeStorageRace, Message: "version changed during commit"}

// ErrNotFound is returned by repositories for unknown entities.
var ErrNotFound = &Error{Code: CodeNotFound, Message: "entity not found"}

// CodeOf returns the protocol code carried by err, or "" if err carries none.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Reason returns the human-readable message of a protocol error, or the
// error text for anything else.
func Reason(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// IsDomainInvalid returns true if the error is a domain rejection.
func IsDomainInvalid(err error) bool { return CodeOf(err) == CodeDomainInvalid }

// IsUnauthorized returns true if the error is an authorization failure.
func IsUnauthorized(err error) bool { return CodeOf(err) == CodeUnauthorized }

// IsStorageRace returns true if the error is a failed version compare.
func IsStorageRace(err error) bool { return CodeOf(err) == CodeStorageRace }

// IsNetworkFailure returns true if the error is a transport failure.
func IsNetworkFailure(err error) bool { return CodeOf(err) == CodeNetworkFailure }

// IsNotFound returns true if the error is an unknown entity.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
