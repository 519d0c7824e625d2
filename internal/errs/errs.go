// Package errs defines the error kinds shared across the gateway core.
//
// Operations return plain errors; callers that need to branch on the
// failure class inspect the kind rather than concrete types. The HTTP
// layer owns the translation from kind to status code.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The string form is what machine consumers
// see in error bodies.
type Kind string

const (
	// KindClockDrift is returned only by the HLC receive path when a
	// remote timestamp leads the local wall clock beyond the allowed
	// drift. Fatal for the individual push.
	KindClockDrift Kind = "CLOCK_DRIFT"

	// KindConflict is returned by the LWW resolver when asked to merge
	// deltas for different rows. Indicates a programmer error upstream.
	KindConflict Kind = "CONFLICT"

	// KindSchemaMismatch is a push against an incompatible table schema.
	KindSchemaMismatch Kind = "SCHEMA_MISMATCH"

	// KindBackpressure means the buffer high-watermark was exceeded. The
	// caller is expected to flush and retry once.
	KindBackpressure Kind = "BACKPRESSURE"

	// KindFlushFailed is a failed flush write. The buffer is restored
	// before this surfaces; the alarm reschedules with backoff.
	KindFlushFailed Kind = "FLUSH_FAILED"

	// KindAdapter is an object-store failure outside the flush path.
	KindAdapter Kind = "ADAPTER_ERROR"

	// KindAuth covers malformed, unsupported, invalid-signature and
	// expired tokens.
	KindAuth Kind = "AUTH"

	// KindForbidden is a client or role mismatch on an otherwise valid
	// token.
	KindForbidden Kind = "FORBIDDEN"

	// KindValidation is a missing or invalid request body or query.
	KindValidation Kind = "INVALID"

	// KindNotFound is an unknown route or a missing checkpoint manifest.
	KindNotFound Kind = "NOT_FOUND"

	// KindPayloadTooLarge is a request or frame over the payload cap.
	KindPayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"

	// KindMethodNotAllowed is a known route hit with the wrong method.
	KindMethodNotAllowed Kind = "METHOD_NOT_ALLOWED"

	// KindInternal is anything unexpected.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with the given message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause yields nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, walking the wrap chain. Unclassified
// errors report KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its
// wrap chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
