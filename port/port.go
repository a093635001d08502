// Package port provides the persistent ordered channel between the panel
// and the background.
//
// A Port carries frames in order in both directions. Either side may close
// it; the other side observes the closure when its Recv channel ends, after
// every frame sent before the closure has been delivered.
package port

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed      = errors.New("port closed")
	ErrEmptyName   = errors.New("port name required")
	ErrFrameTooBig = errors.New("frame exceeds max size")
)

// Port is one end of a bidirectional ordered channel.
type Port interface {
	// Name is the label the opener gave the port, e.g. "sidepanel".
	Name() string

	// Send queues a frame for the other end.
	// Returns ErrClosed once either end has closed.
	Send(ctx context.Context, frame []byte) error

	// Recv yields frames from the other end in send order. The channel is
	// closed when the port ends.
	Recv() <-chan []byte

	// Done is closed as soon as either end closes.
	Done() <-chan struct{}

	// Err reports why the port ended abnormally; nil for a clean close.
	Err() error

	// Close ends the port. Safe to call more than once.
	Close() error
}

// Config holds port configuration.
type Config struct {
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// ReadTimeout drops a silent connection (0 = no timeout).
	// Pongs extend the deadline.
	ReadTimeout time.Duration

	// MaxFrameSize limits incoming and outgoing frames.
	MaxFrameSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// AcceptBacklog is how many upgraded ports may wait for Accept.
	AcceptBacklog int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  10 * time.Second,
		ReadTimeout:   0,
		MaxFrameSize:  1024 * 1024, // 1MB
		PingInterval:  30 * time.Second,
		AcceptBacklog: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = d.AcceptBacklog
	}
	return c
}
