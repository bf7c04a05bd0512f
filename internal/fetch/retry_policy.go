package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// RetryPolicy retries transient failures with attempt-indexed linear backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ShouldRetry reports whether another attempt follows the given failed attempt.
func (p RetryPolicy) ShouldRetry(f *Failure, attempt int) bool {
	if f == nil || f.Class != ClassTransient {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns BaseDelay * attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// pause sleeps for delay unless the context ends first.
func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// classifyStatus maps a non-2xx HTTP status to a failure class.
func classifyStatus(code int) Class {
	switch {
	case code == 403, code == 404, code == 429:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// classifyError maps a transport error to a failure class.
func classifyError(err error) Class {
	var netErr net.Error
	switch {
	case err == nil:
		return ClassUnknown
	case errors.As(err, &netErr) && netErr.Timeout():
		return ClassTransient
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassUnknown
	default:
		return ClassPermanent
	}
}
