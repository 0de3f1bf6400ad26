// Package syncerr defines the error taxonomy shared by the read path, the
// write path and the replay engine.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Code. Callers branch on the code with the Is* helpers, which use errors.As
// and therefore see through fmt.Errorf("%w") wrapping.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeTransientNetwork: network unreachable or request failed before a
	// response. Recovered by cache fallback (reads) or queuing (writes).
	CodeTransientNetwork Code = "TRANSIENT_NETWORK"

	// CodeEmptyCache: network failed and no cached snapshot exists.
	CodeEmptyCache Code = "EMPTY_CACHE"

	// CodeQueuedNotDelivered: a write was accepted offline but not yet
	// applied to the server.
	CodeQueuedNotDelivered Code = "QUEUED_NOT_DELIVERED"

	// CodeAuthExpired: credentials are invalid or expired. Recovery is
	// session teardown, never retry.
	CodeAuthExpired Code = "AUTH_EXPIRED"

	// CodeUnknownMutationType: a queued mutation has no registered handler.
	CodeUnknownMutationType Code = "UNKNOWN_MUTATION_TYPE"

	// CodeReplayFailed: one queued mutation failed during a drain.
	CodeReplayFailed Code = "REPLAY_FAILED"

	// CodeHTTPStatus: the server answered with a non-2xx status other than
	// an auth failure.
	CodeHTTPStatus Code = "HTTP_STATUS"

	// CodeStorage: the persistent store failed.
	CodeStorage Code = "STORAGE"
)

// Error is a coded sync error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed ("read", "dispatch", "drain", ...).
	Op string

	// Collection is set for read-path errors.
	Collection string

	// MutationType and MutationID are set for write-path and replay errors.
	MutationType string
	MutationID   int64

	// Status is the HTTP status for CodeHTTPStatus and CodeAuthExpired.
	Status int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	switch {
	case e.Collection != "":
		msg += fmt.Sprintf(" (collection=%s)", e.Collection)
	case e.MutationType != "" && e.MutationID != 0:
		msg += fmt.Sprintf(" (mutation=%s, id=%d)", e.MutationType, e.MutationID)
	case e.MutationType != "":
		msg += fmt.Sprintf(" (mutation=%s)", e.MutationType)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// has reports whether any *Error in err's chain carries code. Needed because
// an EMPTY_CACHE error wraps the original TRANSIENT_NETWORK cause.
func has(err error, code Code) bool {
	for err != nil {
		var se *Error
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Err
	}
	return false
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool { return has(err, CodeTransientNetwork) }

// IsAuthExpired reports whether err signals expired or invalid credentials.
func IsAuthExpired(err error) bool { return has(err, CodeAuthExpired) }

// IsQueued reports whether err signals a write accepted for later delivery.
func IsQueued(err error) bool { return has(err, CodeQueuedNotDelivered) }

// IsEmptyCache reports whether a read failed with nothing cached.
func IsEmptyCache(err error) bool { return has(err, CodeEmptyCache) }

// IsUnknownMutation reports whether err is a registry miss during replay.
func IsUnknownMutation(err error) bool { return has(err, CodeUnknownMutationType) }

// Transient wraps err as a transient network error.
func Transient(op string, err error) *Error {
	return &Error{Code: CodeTransientNetwork, Op: op, Err: err}
}

// AuthExpired builds an auth-expired error.
func AuthExpired(op string, status int, err error) *Error {
	return &Error{Code: CodeAuthExpired, Op: op, Status: status, Err: err}
}

// HTTPStatus builds a non-2xx response error.
func HTTPStatus(op string, status int, err error) *Error {
	return &Error{Code: CodeHTTPStatus, Op: op, Status: status, Err: err}
}

// EmptyCache wraps the original network error of a read that had nothing
// to fall back on. errors.Is/As still reach the original.
func EmptyCache(collection string, networkErr error) *Error {
	return &Error{Code: CodeEmptyCache, Op: "read", Collection: collection, Err: networkErr}
}

// Queued builds the signal for a write accepted but not yet applied.
func Queued(mutationType string, id int64) *Error {
	return &Error{Code: CodeQueuedNotDelivered, Op: "dispatch", MutationType: mutationType, MutationID: id}
}

// UnknownMutation builds a registry-miss error.
func UnknownMutation(mutationType string, id int64) *Error {
	return &Error{Code: CodeUnknownMutationType, Op: "drain", MutationType: mutationType, MutationID: id}
}

// ReplayFailed wraps a per-mutation replay failure.
func ReplayFailed(mutationType string, id int64, err error) *Error {
	return &Error{Code: CodeReplayFailed, Op: "drain", MutationType: mutationType, MutationID: id, Err: err}
}

// Storage wraps a persistent store failure.
func Storage(op string, err error) *Error {
	return &Error{Code: CodeStorage, Op: op, Err: err}
}
