package encoding

// Error condition symbols defined by the AMQP 1.0 core transport spec.
// These are shared between the codec (which can itself detect
// decode-error and frame-size-too-small) and the connection/session/
// link engines in the root package, which re-export them as ErrCond
// constants for callers.
const (
	ErrCondInternalError         ErrCond = "amqp:internal-error"
	ErrCondNotFound              ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess    ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError           ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed            ErrCond = "amqp:not-allowed"
	ErrCondInvalidField          ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented        ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked        ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed    ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted       ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState          ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     ErrCond = "amqp:frame-size-too-small"

	ErrCondConnectionForced   ErrCond = "amqp:connection:forced"
	ErrCondFramingError       ErrCond = "amqp:connection:framing-error"
	ErrCondConnectionRedirect ErrCond = "amqp:connection:redirect"

	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	ErrCondDetachForced          ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   ErrCond = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          ErrCond = "amqp:link:redirect"
	ErrCondStolen                ErrCond = "amqp:link:stolen"
)
