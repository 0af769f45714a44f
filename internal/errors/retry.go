package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy decides whether one request should be retried after a failure.
// A fresh policy is produced per request so attempt counts never leak
// between requests.
type RetryPolicy interface {
	// ShouldRetry returns the delay to wait before the next attempt and
	// whether to attempt at all.
	ShouldRetry(ctx context.Context, err error) (time.Duration, bool)
}

// RetryPolicyFactory produces fresh per-request retry policies.
type RetryPolicyFactory interface {
	NewRetryPolicy() RetryPolicy
}

// RetryController is the default RetryPolicy: exponential backoff with ±25%
// jitter, capped, honoring the server's Retry-After hint when present.
// Only throttling and timeouts are retried; queries are reads, so the
// controller never consults write-endpoint state.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	classifier   *Classifier
	attempt      int
}

// ControllerOptions configures retry behavior.
type ControllerOptions struct {
	InitialDelay time.Duration // default 10ms
	MaxDelay     time.Duration // default 1s
	MaxRetries   int           // default 5
}

func (o ControllerOptions) withDefaults() ControllerOptions {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 10 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	return o
}

// NewRetryController creates a controller with the given options.
func NewRetryController(opts ControllerOptions) *RetryController {
	opts = opts.withDefaults()
	return &RetryController{
		initialDelay: opts.InitialDelay,
		maxDelay:     opts.MaxDelay,
		maxRetries:   opts.MaxRetries,
		classifier:   NewClassifier(),
	}
}

// ShouldRetry implements RetryPolicy.
func (rc *RetryController) ShouldRetry(ctx context.Context, err error) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	if !rc.classifier.ShouldRetry(KindOf(err)) {
		return 0, false
	}
	if rc.attempt >= rc.maxRetries {
		return 0, false
	}
	delay := rc.calculateDelay(rc.attempt)
	if hint := RetryAfterHint(err); hint > delay {
		delay = hint
	}
	rc.attempt++
	return delay, true
}

// calculateDelay computes initialDelay * 2^attempt capped at maxDelay,
// with ±25% jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	delay := rc.initialDelay * time.Duration(1<<uint(attempt))
	if delay > rc.maxDelay {
		delay = rc.maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay < 0 {
		delay = rc.initialDelay
	}
	return delay
}

// ControllerFactory builds RetryControllers with shared options.
type ControllerFactory struct {
	opts ControllerOptions
}

// NewControllerFactory creates the default RetryPolicyFactory.
func NewControllerFactory(opts ControllerOptions) *ControllerFactory {
	return &ControllerFactory{opts: opts.withDefaults()}
}

// NewRetryPolicy implements RetryPolicyFactory.
func (f *ControllerFactory) NewRetryPolicy() RetryPolicy {
	return NewRetryController(f.opts)
}
