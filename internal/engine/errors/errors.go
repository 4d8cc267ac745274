// Package errors defines the engine's typed error taxonomy so the
// engine's retry decision can branch on error kind instead of string
// matching, in the spirit of nabbar-golib's liberr.Error wrapper.
package errors

import "fmt"

// Kind classifies why an operation failed, per spec.md §7.
type Kind int

const (
	// KindTransient covers failures worth retrying as-is: dial
	// timeouts, connection resets, 5xx responses.
	KindTransient Kind = iota
	// KindProtocol covers malformed or unexpected wire responses: bad
	// status lines, truncated chunked framing, FTP control errors.
	KindProtocol
	// KindAuth covers 401/407/530-class authentication failures.
	KindAuth
	// KindFileIO covers local filesystem failures: disk full,
	// permission denied, path too long.
	KindFileIO
	// KindPolicy covers engine-enforced limits: parts_limit exceeded,
	// max_downloads admission refused, file-too-large prompt declined.
	KindPolicy
	// KindUser covers user-initiated cancellation: pause, stop, remove.
	KindUser
	// KindFatal covers failures that should not be retried at any
	// level: malformed URL, unsupported scheme.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindFileIO:
		return "file_io"
	case KindPolicy:
		return "policy"
	case KindUser:
		return "user"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EngineError wraps an underlying error with a Kind and, for protocol
// errors, the wire status code that produced it (HTTP status or FTP
// reply code).
type EngineError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *EngineError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New wraps err with the given kind and no status.
func New(kind Kind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

// Newf formats a new EngineError of the given kind.
func Newf(kind Kind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStatus wraps err with a kind and wire status code.
func WithStatus(kind Kind, status int, err error) *EngineError {
	return &EngineError{Kind: kind, Status: status, Err: err}
}

// Retryable reports whether an error of this kind is worth retrying at
// the part/address level without burning a whole-download retry.
func Retryable(kind Kind) bool {
	return kind == KindTransient || kind == KindProtocol
}
