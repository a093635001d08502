// Package ratelimit throttles calls into quota-limited browser APIs.
//
// The browser allows only a few visible-tab captures per second; a burst of
// CAPTURE_TAB requests from the panel must queue instead of failing:
//
//	limiter := ratelimit.NewCaptureLimiter(logger) // 2 per second
//
//	if err := limiter.Acquire(ctx, ratelimit.ResourceCapture); err != nil {
//	    return err // context ended or limiter closed
//	}
//	img, err := capturer.CaptureVisibleTab(ctx, windowID)
//
// Each resource is a token bucket from golang.org/x/time/rate that refills
// capacity tokens per window and allows bursts up to capacity. When the
// browser still rejects a call, AnnounceReduced halves the capacity until
// Restore.
package ratelimit
