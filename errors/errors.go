package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// BusError is the interface for all structured errors raised by the bus.
type BusError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	// The bus itself never retries.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of BusError.
type Error struct {
	code        ErrorCode
	category    ErrorCategory
	message     string
	cause       error
	metadata    map[string]string
	retryable   *bool // nil means use default based on category
	timestamp   time.Time
	messageType string // envelope type, if applicable
	target      string // destination context, if applicable
}

var (
	_ BusError         = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// MessageType returns the envelope type involved, if set.
func (e *Error) MessageType() string {
	return e.messageType
}

// Target returns the destination context involved, if set.
func (e *Error) Target() string {
	return e.target
}

type errorJSON struct {
	Code        ErrorCode         `json:"code"`
	Category    ErrorCategory     `json:"category"`
	Message     string            `json:"message"`
	Cause       string            `json:"cause,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Retryable   bool              `json:"retryable"`
	Timestamp   string            `json:"timestamp,omitempty"`
	MessageType string            `json:"message_type,omitempty"`
	Target      string            `json:"target,omitempty"`
}

// MarshalJSON implements json.Marshaler so errors can travel inside
// result payloads (e.g. a failed capture).
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:        e.code,
		Category:    e.category,
		Message:     e.message,
		Metadata:    e.metadata,
		Retryable:   e.Retryable(),
		MessageType: e.messageType,
		Target:      e.target,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.messageType = j.MessageType
	e.target = j.Target
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMessageType records the envelope type involved.
func WithMessageType(t string) Option {
	return func(e *Error) {
		e.messageType = t
	}
}

// WithTarget records the destination context involved.
func WithTarget(target string) Option {
	return func(e *Error) {
		e.target = target
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Serialization reports a payload that cannot be made transport-safe.
func Serialization(messageType string, cause error) *Error {
	return New(ErrCodeSerialization,
		fmt.Sprintf("payload of %s is not serializable", messageType),
		WithMessageType(messageType), WithCause(cause))
}

// TargetUnavailable reports an explicit target that cannot be reached.
func TargetUnavailable(messageType, target string, opts ...Option) *Error {
	return New(ErrCodeTargetUnavailable,
		fmt.Sprintf("target %s unavailable for %s", target, messageType),
		append([]Option{WithMessageType(messageType), WithTarget(target)}, opts...)...)
}

// HandlerFailed reports a subscriber that returned an error or panicked.
func HandlerFailed(messageType string, cause error) *Error {
	return New(ErrCodeHandlerFailed,
		fmt.Sprintf("handler for %s failed", messageType),
		WithMessageType(messageType), WithCause(cause))
}

// InvalidEnvelope reports an envelope that violates its invariants.
func InvalidEnvelope(reason string) *Error {
	return New(ErrCodeInvalidEnvelope, "invalid envelope: "+reason)
}

// Closed reports use of a closed bus component.
func Closed(what string) *Error {
	return New(ErrCodeClosed, what+" closed")
}
