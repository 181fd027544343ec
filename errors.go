package mustela

import (
	"errors"
	"fmt"
)

// Kind classifies the broad category of an Error: callers branch on
// Kind, not on the message text.
type Kind int

const (
	KindOpen Kind = iota
	KindFormat
	KindIO
	KindCorruption
	KindUsage
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindFormat:
		return "format"
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindUsage:
		return "usage"
	case KindLock:
		return "lock"
	default:
		return "unknown"
	}
}

// Error is the one error type this package returns. Grounded on
// Giulio2002-gdbx's errors.go *Error{Code, Message, Err} shape, adapted
// from MDBX's flat numeric codes to a small named Kind enum since this
// format has no wire-compatibility obligations.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mustela: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("mustela: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

func wrapError(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

// Sentinels for the handful of conditions callers commonly check for by
// identity rather than by Kind.
var (
	ErrKeyNotFound    = newError(KindUsage, "key not found")
	ErrBucketNotFound = newError(KindUsage, "bucket not found")
	ErrBucketExists   = newError(KindUsage, "bucket already exists")
	ErrTxClosed       = newError(KindUsage, "transaction already committed or aborted")
	ErrReadOnlyTx     = newError(KindUsage, "operation not permitted in a read-only transaction")
	ErrKeyTooLarge    = newError(KindUsage, "key exceeds MaxKeySize")
	ErrBucketNameSize = newError(KindUsage, "bucket name exceeds MaxBucketNameSize")
)

func isKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

func IsCorruption(err error) bool  { return isKind(err, KindCorruption) }
func IsLockError(err error) bool   { return isKind(err, KindLock) }
func IsFormatError(err error) bool { return isKind(err, KindFormat) }

// InvariantError is panicked, never returned, when an internal invariant
// is violated — a "should never happen; terminate the process" class of
// failure, as opposed to anything reachable via ordinary misuse or a
// malformed file.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return "mustela: invariant violated: " + e.Message }

func invariant(cond bool, msg string) {
	if !cond {
		panic(&InvariantError{Message: msg})
	}
}
