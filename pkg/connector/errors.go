package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// errSessionClosed is returned by session operations after Close.
var errSessionClosed = errors.New("session is closed")

// Kind classifies a connector error for retry and reporting decisions.
type Kind int

const (
	// KindConnection covers unreachable hosts, refused connections and timeouts.
	KindConnection Kind = iota
	// KindAuth covers rejected credentials. Never retried automatically.
	KindAuth
	// KindProtocol covers malformed or unexpected server responses.
	KindProtocol
	// KindIO covers local filesystem read/write failures.
	KindIO
	// KindIntegrity covers post-transfer checksum mismatches.
	KindIntegrity
	// KindCancelled covers user-initiated cancellation.
	KindCancelled
	// KindUnsupported covers protocols with no registered connector.
	KindUnsupported
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindIntegrity:
		return "integrity"
	case KindCancelled:
		return "cancelled"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the error type returned by all connector operations. It carries a
// Kind so callers can decide on retries without inspecting message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap builds a classified error, passing through errors that already carry a
// kind so classification done close to the failure is not overwritten.
func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, classifying plain errors by their
// observable shape: context cancellation maps to cancelled, deadline expiry
// and net timeouts to connection, filesystem errors to io; anything else is
// treated as a protocol error.
func KindOf(err error) Kind {
	if err == nil {
		return KindProtocol
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	// A deadline is a timeout, not a user decision: it stays retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnection
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return KindIO
	}
	return KindProtocol
}

// IsTransient reports whether the error is worth an automatic retry.
// Only connection-level failures qualify; authentication, protocol and
// integrity failures need intervention rather than repetition.
func IsTransient(err error) bool {
	return KindOf(err) == KindConnection
}

// IsCancelled reports whether the error stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
