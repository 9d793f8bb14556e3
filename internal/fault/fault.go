// Package fault defines the error taxonomy shared by every recstore layer.
//
// All failures surfaced by the core are *Error values carrying a Code.
// Callers classify them with errors.Is against the package sentinels or
// with the Is* helpers, both of which see through fmt.Errorf wrapping.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeValidation covers empty or oversized content, malformed digests
	// and invalid paging arguments. Never retried.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound indicates a digest lookup that matched no record.
	CodeNotFound Code = "NOT_FOUND"

	// CodeDigestCollision indicates a collision that survived the whole
	// escalation ladder. Fatal.
	CodeDigestCollision Code = "DIGEST_COLLISION"

	// CodePoolTimeout indicates no connection became idle before the
	// acquire timeout elapsed.
	CodePoolTimeout Code = "POOL_TIMEOUT"

	// CodePoolClosed indicates the pool (or the facade owning it) is closed.
	CodePoolClosed Code = "POOL_CLOSED"

	// CodeScope indicates misuse of a transaction scope.
	CodeScope Code = "SCOPE"

	// CodeStorage indicates an engine failure: I/O, disk full, corruption
	// or any other driver error.
	CodeStorage Code = "STORAGE"
)

// Sentinels for errors.Is. They match any *Error with the same Code.
var (
	ErrValidation      = &Error{Code: CodeValidation}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrDigestCollision = &Error{Code: CodeDigestCollision}
	ErrPoolTimeout     = &Error{Code: CodePoolTimeout}
	ErrPoolClosed      = &Error{Code: CodePoolClosed}
	ErrScope           = &Error{Code: CodeScope}
	ErrStorage         = &Error{Code: CodeStorage}
)

// Error is the structured error type of the record store.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed ("create", "pool.acquire", ...).
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Validation creates a VALIDATION error.
func Validation(op, format string, args ...any) *Error {
	return New(CodeValidation, op, format, args...)
}

// Storage wraps err as a STORAGE error unless it already carries a Code,
// in which case it is returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Code: CodeStorage, Op: op, Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsDigestCollision reports whether err is a DIGEST_COLLISION error.
func IsDigestCollision(err error) bool { return CodeOf(err) == CodeDigestCollision }

// IsPoolTimeout reports whether err is a POOL_TIMEOUT error.
func IsPoolTimeout(err error) bool { return CodeOf(err) == CodePoolTimeout }

// IsStorage reports whether err is a STORAGE error.
func IsStorage(err error) bool { return CodeOf(err) == CodeStorage }

// IsPoolClosed reports whether err is a POOL_CLOSED error.
func IsPoolClosed(err error) bool { return CodeOf(err) == CodePoolClosed }

// IsScope reports whether err is a SCOPE error.
func IsScope(err error) bool { return CodeOf(err) == CodeScope }
