package amqp

import (
	"errors"
	"fmt"

	"github.com/coreamqp/go-amqp/internal/encoding"
)

// ErrCond is an AMQP defined error condition. See
// http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transport-v1.0-os.html#type-amqp-error
// for the meaning of each value.
type ErrCond = encoding.ErrCond

// Error Conditions
const (
	ErrCondInternalError         ErrCond = encoding.ErrCondInternalError
	ErrCondNotFound              ErrCond = encoding.ErrCondNotFound
	ErrCondUnauthorizedAccess    ErrCond = encoding.ErrCondUnauthorizedAccess
	ErrCondDecodeError           ErrCond = encoding.ErrCondDecodeError
	ErrCondResourceLimitExceeded ErrCond = encoding.ErrCondResourceLimitExceeded
	ErrCondNotAllowed            ErrCond = encoding.ErrCondNotAllowed
	ErrCondInvalidField          ErrCond = encoding.ErrCondInvalidField
	ErrCondNotImplemented        ErrCond = encoding.ErrCondNotImplemented
	ErrCondResourceLocked        ErrCond = encoding.ErrCondResourceLocked
	ErrCondPreconditionFailed    ErrCond = encoding.ErrCondPreconditionFailed
	ErrCondResourceDeleted       ErrCond = encoding.ErrCondResourceDeleted
	ErrCondIllegalState          ErrCond = encoding.ErrCondIllegalState
	ErrCondFrameSizeTooSmall     ErrCond = encoding.ErrCondFrameSizeTooSmall

	ErrCondConnectionForced   ErrCond = encoding.ErrCondConnectionForced
	ErrCondFramingError       ErrCond = encoding.ErrCondFramingError
	ErrCondConnectionRedirect ErrCond = encoding.ErrCondConnectionRedirect

	ErrCondWindowViolation  ErrCond = encoding.ErrCondWindowViolation
	ErrCondErrantLink       ErrCond = encoding.ErrCondErrantLink
	ErrCondHandleInUse      ErrCond = encoding.ErrCondHandleInUse
	ErrCondUnattachedHandle ErrCond = encoding.ErrCondUnattachedHandle

	ErrCondDetachForced          ErrCond = encoding.ErrCondDetachForced
	ErrCondTransferLimitExceeded ErrCond = encoding.ErrCondTransferLimitExceeded
	ErrCondMessageSizeExceeded   ErrCond = encoding.ErrCondMessageSizeExceeded
	ErrCondLinkRedirect          ErrCond = encoding.ErrCondLinkRedirect
	ErrCondStolen                ErrCond = encoding.ErrCondStolen
)

// Error is the wire "error" described type, carrying a condition,
// optional description, and info map.
type Error = encoding.Error

// DetachError is returned by a link (Sender/Receiver) once its mux has
// exited because of a detach. RemoteError is nil for a graceful,
// locally-initiated close.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	if e.RemoteError == nil {
		return "amqp: link detached"
	}
	return fmt.Sprintf("amqp: link detached, reason: %v", e.RemoteError)
}

// SessionError is returned to every link on a session once an END
// frame (graceful or not) has been processed.
type SessionError struct {
	RemoteError *Error
}

func (e *SessionError) Error() string {
	if e.RemoteError == nil {
		return "amqp: session ended"
	}
	return fmt.Sprintf("amqp: session ended, reason: %v", e.RemoteError)
}

// ConnError is returned to every session/link on a connection once a
// CLOSE frame (graceful or not) has been processed, or the transport
// failed.
type ConnError struct {
	RemoteError *Error
	inner       error
}

func (e *ConnError) Error() string {
	if e.RemoteError != nil {
		return fmt.Sprintf("amqp: connection closed, reason: %v", e.RemoteError)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: connection closed: %v", e.inner)
	}
	return "amqp: connection closed"
}

func (e *ConnError) Unwrap() error { return e.inner }

// Sentinel errors.
var (
	// ErrSessionClosed is the session-end reason used when Close was
	// called locally with no protocol error involved.
	ErrSessionClosed = errors.New("amqp: session closed")
	// ErrLinkClosed is returned by Send/Receive operations once
	// Sender.Close or Receiver.Close has been called.
	ErrLinkClosed = errors.New("amqp: link closed")
	// ErrConnClosed is the connection-close reason used when Close was
	// called locally with no protocol error involved.
	ErrConnClosed = errors.New("amqp: connection closed")
	// ErrFieldTooLarge indicates a caller-supplied field (delivery tag,
	// link name) exceeded the protocol's size constraints.
	ErrFieldTooLarge = errors.New("amqp: field exceeds maximum size")
)
