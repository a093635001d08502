package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinayprograms/ctxbus/logging"
)

type bucket struct {
	limiter    *rate.Limiter
	capacity   int
	configured int
	window     time.Duration
}

func (b *bucket) apply(capacity int) {
	b.capacity = capacity
	b.limiter.SetLimit(every(capacity, b.window))
	b.limiter.SetBurst(capacity)
}

func every(capacity int, window time.Duration) rate.Limit {
	return rate.Every(window / time.Duration(capacity))
}

// MemoryLimiter keeps one token bucket per resource in process.
// It is safe for concurrent use.
type MemoryLimiter struct {
	logger *logging.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	closing context.Context
	close   context.CancelFunc
}

// NewMemoryLimiter creates an empty limiter. logger may be nil.
func NewMemoryLimiter(logger *logging.Logger) *MemoryLimiter {
	if logger == nil {
		logger = logging.Discard()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &MemoryLimiter{
		logger:  logger,
		buckets: make(map[string]*bucket),
		closing: closing,
		close:   cancel,
	}
}

// NewCaptureLimiter returns a limiter preset with the browser's capture
// quota.
func NewCaptureLimiter(logger *logging.Logger) *MemoryLimiter {
	m := NewMemoryLimiter(logger)
	m.SetCapacity(ResourceCapture, DefaultCaptureCapacity, DefaultCaptureWindow)
	return m
}

// SetCapacity configures the rate limit for a resource. Buckets start full.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	if b, ok := m.buckets[resource]; ok {
		b.window = window
		b.configured = capacity
		b.apply(capacity)
		return
	}
	m.buckets[resource] = &bucket{
		limiter:    rate.NewLimiter(every(capacity, window), capacity),
		capacity:   capacity,
		configured: capacity,
		window:     window,
	}
}

func (m *MemoryLimiter) lookup(resource string) (*rate.Limiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return nil, ErrResourceUnknown
	}
	return b.limiter, nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	lim, err := m.lookup(resource)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.closing, cancel)
	defer stop()

	if err := lim.Wait(ctx); err != nil {
		if m.closing.Err() != nil {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait fails early when the deadline is too close for a token.
		return context.DeadlineExceeded
	}
	return nil
}

// TryAcquire takes a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	lim, err := m.lookup(resource)
	if err != nil {
		return false
	}
	return lim.Allow()
}

// AnnounceReduced halves the resource's capacity, never below one.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok || m.closed {
		return
	}
	reduced := b.capacity / 2
	if reduced < 1 {
		reduced = 1
	}
	b.apply(reduced)
	m.logger.Warn("rate_reduced", map[string]interface{}{
		"resource": resource,
		"capacity": reduced,
		"reason":   reason,
	})
}

// Restore returns the resource to its configured capacity.
func (m *MemoryLimiter) Restore(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok || m.closed || b.capacity == b.configured {
		return
	}
	b.apply(b.configured)
	m.logger.Info("rate_restored", map[string]interface{}{
		"resource": resource,
		"capacity": b.configured,
	})
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	return &Capacity{
		Resource:   resource,
		Available:  int(math.Max(0, math.Floor(b.limiter.Tokens()))),
		Total:      b.capacity,
		Configured: b.configured,
		Window:     b.window,
	}
}

// Close shuts down the limiter. Waiting Acquire calls return ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.close()
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
