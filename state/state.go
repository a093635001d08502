package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value. Nil for deletes.
	Value []byte

	// Revision is a monotonic version number.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation

	// Modified is when the key was last written.
	Modified time.Time
}

// Store is a key-value store shared by the contexts of one extension.
// Presence entries and settings live here.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetKeyValue retrieves the full entry, including its revision.
	GetKeyValue(ctx context.Context, key string) (*KeyValue, error)

	// Put stores a value and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes a key. Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// DeleteIf removes a key only if its current revision matches.
	// Returns ErrRevisionMismatch otherwise.
	DeleteIf(ctx context.Context, key string, revision uint64) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "presence.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Watch reports puts and deletes on keys matching a pattern.
	// The channel is closed when ctx ends or the store closes.
	Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " *>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "presence.*" matches "presence.panel").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
