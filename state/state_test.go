package state

import (
	"strings"
	"testing"
)

// ============================================================================
// Operation.String() tests
// ============================================================================

func TestOperation_String(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpPut, "put"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Operation(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

// ============================================================================
// ValidateKey tests
// ============================================================================

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid simple key", "settings", nil},
		{"valid dotted key", "presence.content.42", nil},
		{"valid long key", strings.Repeat("a", 1024), nil},
		{"empty key", "", ErrInvalidKey},
		{"key with space", "key with space", ErrInvalidKey},
		{"wildcard", "presence.*", ErrInvalidKey},
		{"leading dot", ".key", ErrInvalidKey},
		{"trailing dot", "key.", ErrInvalidKey},
		{"too long key", strings.Repeat("a", 1025), ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// MatchPattern tests
// ============================================================================

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"presence.*", "presence.panel", true},
		{"presence.*", "presence.content.3", true},
		{"presence.*", "settings", false},
		{"settings", "settings", true},
		{"settings", "settings.x", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestNATSPattern(t *testing.T) {
	tests := map[string]string{
		"*":          ">",
		"presence.*": "presence.>",
		"settings":   "settings",
	}
	for in, want := range tests {
		if got := natsPattern(in); got != want {
			t.Errorf("natsPattern(%q) = %q, want %q", in, got, want)
		}
	}
}
