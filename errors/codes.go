package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how callers should treat a failure.
const (
	// CategoryTransient indicates the same operation may succeed later,
	// e.g. a tab that has not finished loading its content context.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates retrying the same input will fail again.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates a bug or a failure inside a subscriber.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific failures of the bus.
type ErrorCode string

const (
	// Delivery
	ErrCodeSerialization     ErrorCode = "SERIALIZATION"      // Payload is not transport-safe
	ErrCodeTargetUnavailable ErrorCode = "TARGET_UNAVAILABLE" // Explicit target is not reachable
	ErrCodeHandlerFailed     ErrorCode = "HANDLER_FAILED"     // Subscriber returned an error or panicked
	ErrCodeInvalidEnvelope   ErrorCode = "INVALID_ENVELOPE"   // Envelope violates its invariants
	ErrCodeUnknownType       ErrorCode = "UNKNOWN_TYPE"       // Message type outside the catalog

	// Lifecycle
	ErrCodeNoContext    ErrorCode = "NO_CONTEXT"    // Process has no bound identity
	ErrCodeContextBound ErrorCode = "CONTEXT_BOUND" // Process already bound to another identity
	ErrCodeClosed       ErrorCode = "CLOSED"        // Bus or session already closed

	// Waiting
	ErrCodeTimeout  ErrorCode = "TIMEOUT"  // Correlated reply did not arrive in time
	ErrCodeCanceled ErrorCode = "CANCELED" // Caller canceled the operation

	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTargetUnavailable, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeSerialization, ErrCodeInvalidEnvelope, ErrCodeUnknownType,
		ErrCodeNoContext, ErrCodeContextBound, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeHandlerFailed, ErrCodeInternal:
		return CategoryInternal
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeSerialization:     "payload is not serializable",
	ErrCodeTargetUnavailable: "target context is unavailable",
	ErrCodeHandlerFailed:     "subscriber failed",
	ErrCodeInvalidEnvelope:   "invalid envelope",
	ErrCodeUnknownType:       "unknown message type",
	ErrCodeNoContext:         "no context bound to this process",
	ErrCodeContextBound:      "context already bound",
	ErrCodeClosed:            "bus closed",
	ErrCodeTimeout:           "request timed out",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeInternal:          "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
