package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// ResourceCapture is the browser's visible-tab capture quota.
const ResourceCapture = "capture_visible_tab"

// Capture quota of the browser: two captures per second.
const (
	DefaultCaptureCapacity = 2
	DefaultCaptureWindow   = time.Second
)

// RateLimiter throttles calls into rate-limited browser APIs.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context's error if it ends first, ErrResourceUnknown if
	// the resource has no configured capacity and ErrClosed after Close.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity calls per window, with bursts up to
	// capacity. A non-positive capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced halves the resource's capacity, for example after
	// the browser rejected a call for exceeding its quota.
	AnnounceReduced(resource string, reason string)

	// Restore returns the resource to the capacity last set.
	Restore(resource string)

	// GetCapacity returns the current capacity, nil if unknown.
	GetCapacity(resource string) *Capacity

	// Close wakes every waiter with ErrClosed.
	Close() error
}

// Capacity describes the limit of one resource.
type Capacity struct {
	// Resource is the limited resource.
	Resource string

	// Available is the whole number of tokens ready now.
	Available int

	// Total is the current tokens per window.
	Total int

	// Configured is the capacity given to SetCapacity.
	Configured int

	// Window is the refill period.
	Window time.Duration
}

// Reduced reports whether the capacity is below what was configured.
func (c *Capacity) Reduced() bool {
	return c.Total < c.Configured
}
