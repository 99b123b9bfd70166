package llm

import (
	"context"
	"fmt"
	"time"
)

// retryPolicy retries transient failures with capped exponential backoff.
type retryPolicy struct {
	initial    time.Duration
	factor     float64
	maxDelay   time.Duration
	maxElapsed time.Duration
}

// defaultRetry matches the provider contract: 1s initial delay, doubling,
// 30s per-delay cap, 5 minutes total.
var defaultRetry = retryPolicy{
	initial:    time.Second,
	factor:     2,
	maxDelay:   30 * time.Second,
	maxElapsed: 5 * time.Minute,
}

// transientError marks a failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// transient wraps err so the retry loop will re-issue the request.
func transient(err error) error { return &transientError{err: err} }

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503:
		return true
	}
	return false
}

// do runs op until it succeeds, fails permanently, or the elapsed budget
// is spent. op must build a fresh request on every attempt; response
// bodies are never shared across attempts.
func (p retryPolicy) do(ctx context.Context, op func() error) error {
	start := time.Now()
	delay := p.initial

	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		te, ok := err.(*transientError)
		if !ok {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start)+delay > p.maxElapsed {
			return fmt.Errorf("retries exhausted after %s: %w", time.Since(start).Round(time.Second), te.err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.factor)
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}
