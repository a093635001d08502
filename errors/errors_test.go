package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"serialization", ErrCodeSerialization, "bad payload", CategoryPermanent},
		{"target_unavailable", ErrCodeTargetUnavailable, "tab gone", CategoryTransient},
		{"handler_failed", ErrCodeHandlerFailed, "handler blew up", CategoryInternal},
		{"timeout", ErrCodeTimeout, "no reply", CategoryTransient},
		{"no_context", ErrCodeNoContext, "unbound", CategoryPermanent},
		{"unknown", ErrorCode("NOPE"), "what", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeClosed)
	if err.Error() != "bus closed" {
		t.Errorf("Error() = %q, want %q", err.Error(), "bus closed")
	}
	if ErrorCode("NOPE").Description() != "unknown error" {
		t.Error("unknown code should have a generic description")
	}
}

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("json: unsupported type: func()")

	ser := Serialization("PING", cause)
	if !IsSerialization(ser) {
		t.Error("expected serialization error")
	}
	if ser.MessageType() != "PING" {
		t.Errorf("MessageType() = %q", ser.MessageType())
	}
	if !errors.Is(ser, cause) {
		t.Error("serialization error should wrap its cause")
	}

	tu := TargetUnavailable("SELECT_ELEMENT", "content(7)")
	if !IsTargetUnavailable(tu) {
		t.Error("expected target unavailable error")
	}
	if tu.Target() != "content(7)" {
		t.Errorf("Target() = %q", tu.Target())
	}
	if !tu.Retryable() {
		t.Error("target unavailable should be retryable by the caller")
	}

	hf := HandlerFailed("PING", errors.New("boom"))
	if !IsHandlerFailed(hf) {
		t.Error("expected handler failed error")
	}
	if hf.Retryable() {
		t.Error("handler failures are not retryable")
	}
}

// ============================================================================
// 2. Wrapping
// ============================================================================

func TestWrap(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := TargetUnavailable("PING", "panel")
	wrapped := Wrap(base, "sending ping")
	if wrapped.Code() != ErrCodeTargetUnavailable {
		t.Errorf("wrapped code = %v", wrapped.Code())
	}
	if wrapped.Target() != "panel" {
		t.Errorf("wrapped target = %q", wrapped.Target())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}

	if Wrap(context.DeadlineExceeded, "waiting").Code() != ErrCodeTimeout {
		t.Error("deadline should map to TIMEOUT")
	}
	if Wrap(context.Canceled, "waiting").Code() != ErrCodeCanceled {
		t.Error("cancel should map to CANCELED")
	}
	if Wrap(errors.New("x"), "other").Code() != ErrCodeInternal {
		t.Error("plain error should map to INTERNAL")
	}
}

func TestWrapWithCode(t *testing.T) {
	if WrapWithCode(nil, ErrCodeClosed, "x") != nil {
		t.Error("WrapWithCode(nil) should return nil")
	}
	err := WrapWithCode(errors.New("conn reset"), ErrCodeTargetUnavailable, "deliver")
	if Code(err) != ErrCodeTargetUnavailable {
		t.Errorf("Code() = %v", Code(err))
	}
	if Category(err) != CategoryTransient {
		t.Errorf("Category() = %v", Category(err))
	}
}

func TestHelpersOnPlainErrors(t *testing.T) {
	plain := errors.New("plain")
	if Is(plain, ErrCodeInternal) {
		t.Error("plain error should not match any code")
	}
	if IsRetryable(plain) {
		t.Error("plain error should not be retryable")
	}
	if AsBusError(plain) != nil {
		t.Error("AsBusError(plain) should be nil")
	}
	if Code(plain) != "" || Category(plain) != "" {
		t.Error("plain error should have empty code and category")
	}
	if AsBusError(fmt.Errorf("ctx: %w", Closed("bus"))) == nil {
		t.Error("AsBusError should find wrapped bus error")
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(ErrCodeHandlerFailed, "x", WithRetryable(true))
	if !err.Retryable() {
		t.Error("override should win over category")
	}
}

// ============================================================================
// 3. JSON
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := TargetUnavailable("CAPTURE_TAB", "background")
	orig = Wrap(orig, "capture", WithMetadata("window", "3"))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Code() != ErrCodeTargetUnavailable {
		t.Errorf("Code() = %v", got.Code())
	}
	if got.Target() != "background" || got.MessageType() != "CAPTURE_TAB" {
		t.Errorf("target/type lost: %q %q", got.Target(), got.MessageType())
	}
	if got.Metadata()["window"] != "3" {
		t.Error("metadata lost")
	}
	if !got.Retryable() {
		t.Error("retryable flag lost")
	}
	if got.Unwrap() == nil {
		t.Error("cause should survive as text")
	}
}
