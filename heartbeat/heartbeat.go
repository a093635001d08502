package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Beat is one heartbeat of a session.
type Beat struct {
	// Session identifies the beating session.
	Session string `json:"session"`

	// Seq increases by one per beat, starting at 1.
	Seq uint64 `json:"seq"`

	// Timestamp when the beat was generated, on the sender's clock.
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a beat to JSON.
func (b *Beat) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal deserializes a beat from JSON.
func Unmarshal(data []byte) (*Beat, error) {
	var b Beat
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// EmitFunc delivers one beat to the other side.
type EmitFunc func(ctx context.Context, b Beat) error

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Session is the session the beats belong to.
	Session string

	// Emit delivers a beat.
	Emit EmitFunc

	// Interval between beats.
	// Default: 5 seconds
	Interval time.Duration

	// OnError is called when Emit fails. Sending continues.
	OnError func(err error)
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Emit == nil {
		return ErrInvalidConfig
	}
	if c.Session == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Timeout for considering a session dead.
	// Should be 2-3x the expected heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead session checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
