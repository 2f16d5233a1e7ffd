package raft

import "github.com/pkg/errors"

// Code is a stable, numerically-assigned error kind. Callers may switch on
// Code without depending on the exact wording of an error's message.
type Code int

// Error codes. Numeric values are part of the public contract and must
// never be renumbered.
const (
	ErrNoMem Code = iota + 1
	ErrBadID
	ErrDuplicateID
	ErrDuplicateAddress
	ErrBadRole
	ErrMalformed
	ErrNotLeader
	ErrLeadershipLost
	ErrShutdown
	ErrCantBootstrap
	ErrCantChange
	ErrCorrupt
	ErrCanceled
	ErrNameTooLong
	ErrTooBig
	ErrNoConnection
	ErrBusy
	ErrIOErr
	ErrNotFound
	ErrInvalid
	ErrUnauthorized
	ErrNoSpace
	ErrTooMany
)

var codeNames = map[Code]string{
	ErrNoMem:            "out of memory",
	ErrBadID:            "server id is not valid",
	ErrDuplicateID:      "server id already in use",
	ErrDuplicateAddress: "server address already in use",
	ErrBadRole:          "server role is not valid",
	ErrMalformed:        "malformed data",
	ErrNotLeader:        "not leader",
	ErrLeadershipLost:   "leadership lost",
	ErrShutdown:         "shutdown",
	ErrCantBootstrap:    "can't bootstrap",
	ErrCantChange:       "a configuration change is already in progress",
	ErrCorrupt:          "corrupt state",
	ErrCanceled:         "canceled",
	ErrNameTooLong:      "name too long",
	ErrTooBig:           "too big",
	ErrNoConnection:     "no connection",
	ErrBusy:             "busy",
	ErrIOErr:            "I/O error",
	ErrNotFound:         "not found",
	ErrInvalid:          "invalid parameter",
	ErrUnauthorized:     "unauthorized",
	ErrNoSpace:          "no space left",
	ErrTooMany:          "too many",
}

// String returns the stable, human-readable description of the error code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown error"
}

// RaftError is the concrete error type returned by every operation in this
// package. It pairs a stable Code with a human-readable reason.
type RaftError struct {
	Code   Code
	reason string
	cause  error
}

func (e *RaftError) Error() string {
	if e.reason != "" {
		return e.reason
	}
	return e.Code.String()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *RaftError) Unwrap() error { return e.cause }

// newErr builds a RaftError with a formatted reason, attaching a stack trace
// via pkg/errors for diagnostics.
func newErr(code Code, format string, args ...interface{}) *RaftError {
	reason := code.String()
	var cause error
	if format != "" {
		cause = errors.Errorf(format, args...)
		reason = cause.Error()
	}
	return &RaftError{Code: code, reason: reason, cause: cause}
}

// wrapErr wraps an existing error under the given code, preserving the
// original error as the cause.
func wrapErr(code Code, err error, context string) *RaftError {
	if err == nil {
		return nil
	}
	return &RaftError{
		Code:   code,
		reason: errors.Wrap(err, context).Error(),
		cause:  err,
	}
}

// NewError builds a RaftError with the given code and formatted reason, for
// IOBackend implementations outside this package that need to report one of
// the standard error codes (e.g. ErrNoConnection on a failed Send).
func NewError(code Code, format string, args ...interface{}) error {
	return newErr(code, format, args...)
}

// Predeclared sentinel errors for the common, parameterless cases. Errors.Is
// works against these because RaftError carries a stable Code that the
// caller is expected to compare with CodeOf, not pointer identity.
var (
	ErrNotLeaderErr      = newErr(ErrNotLeader, "")
	ErrLeadershipLostErr = newErr(ErrLeadershipLost, "")
	ErrShutdownErr       = newErr(ErrShutdown, "")
	ErrCantChangeErr     = newErr(ErrCantChange, "")
)

// CodeOf extracts the Code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var re *RaftError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

// Is reports whether err carries the same Code as target, allowing
// errors.Is(err, raft.ErrNotLeaderErr) style checks without requiring
// identical messages.
func (e *RaftError) Is(target error) bool {
	var re *RaftError
	if errors.As(target, &re) {
		return e.Code == re.Code
	}
	return false
}
