package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines bounded retry behavior with exponential backoff.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter randomizes each delay between 0 and the computed backoff.
	Jitter bool
}

// DefaultPolicy returns the policy used for transient cloud API errors.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// ErrExhausted is wrapped by Do when every attempt failed with a retryable error.
var ErrExhausted = errors.New("max retries exceeded")

// Do executes fn with exponential backoff. It retries only if shouldRetry
// returns true for the error. A nil shouldRetry retries every error.
func Do(ctx context.Context, policy *Policy, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultPolicy()
	}

	var (
		lastErr   error
		permanent bool
	)
	b := backoff.WithContext(backoff.WithMaxRetries(&policyBackOff{policy: policy}, uint64(max(policy.MaxRetries, 0))), ctx)
	err := backoff.Retry(func() error {
		lastErr = fn(ctx)
		if lastErr != nil && shouldRetry != nil && !shouldRetry(lastErr) {
			permanent = true
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, b)
	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
	}
	return fmt.Errorf("%w (%d): %w", ErrExhausted, policy.MaxRetries, lastErr)
}

// policyBackOff feeds Policy.Backoff to the backoff package.
type policyBackOff struct {
	policy  *Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Backoff(b.attempt)
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// Backoff returns the delay before retry number attempt (zero based).
func (p *Policy) Backoff(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.Jitter {
		backoff = rand.Float64() * backoff
	}
	return time.Duration(backoff)
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"timeout",
	"tls handshake",
	"temporary failure",
}

// IsTransient checks if an error is likely transient and retryable.
// This checks for common cloud API throttling and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
