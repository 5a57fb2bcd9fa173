// Package calmerr defines the single error type shared by every layer
// of the engine: a small closed set of failure kinds rather than ad-hoc
// error wrapping.
package calmerr

import "fmt"

// Kind classifies an Error. Callers switch on Kind rather than comparing
// against a sentinel variable, since a single concrete type carries more
// context (the offending field, bytes, etc.) than a bare sentinel can.
type Kind int

const (
	// Internal marks an invariant violation or unexpected I/O failure
	// during indexing — something that should never happen if the rest
	// of the engine is behaving.
	Internal Kind = iota
	// Duplicated is returned on a name collision for Insert, or when
	// creating an engine that already exists.
	Duplicated
	// NotExisted is returned when Delete targets a name that doesn't
	// resolve, or an engine lookup misses.
	NotExisted
	// IOError wraps a filesystem or mmap failure.
	IOError
	// DecodeError marks a JSON, binary, or bitmap decode failure.
	DecodeError
	// Notsupport marks a type conversion or operator not legal for a
	// field's declared type.
	Notsupport
	// InvalidParam marks a malformed query, unknown field, bad range
	// bound, or value of the wrong kind.
	InvalidParam
	// Existed marks a directory or field that is already present.
	Existed
)

// Error makes Kind itself usable as an errors.Is target, so callers can
// write errors.Is(err, calmerr.NotExisted) without constructing a full
// Error value.
func (k Kind) Error() string { return k.String() }

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Duplicated:
		return "duplicated"
	case NotExisted:
		return "not_existed"
	case IOError:
		return "io_error"
	case DecodeError:
		return "decode_error"
	case Notsupport:
		return "not_support"
	case InvalidParam:
		return "invalid_param"
	case Existed:
		return "existed"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every exported operation.
// Data carries the offending bytes when small, and is nil otherwise.
type Error struct {
	Kind    Kind
	Message string
	Data    []byte
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone, so callers can do
// errors.Is(err, calmerr.NotExisted) without constructing a full Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(Kind)
	return ok && e.Kind == t
}

// New builds a plain Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a plain Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapData attaches both a cause and a snapshot of the offending bytes,
// truncated to keep the error small.
func WrapData(kind Kind, message string, data []byte, cause error) *Error {
	const maxData = 256
	if len(data) > maxData {
		data = data[:maxData]
	}
	return &Error{Kind: kind, Message: message, Data: data, Cause: cause}
}

// Of reports whether err is a *Error of the given Kind.
func Of(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
