package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(retries int) *Policy {
	return &Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("throttled")
		}
		return nil
	}, IsTransient)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryable(t *testing.T) {
	permanent := fmt.Errorf("permanent error")
	attempts := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		attempts++
		return permanent
	}, func(error) bool { return false })

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_NoRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(0), func(context.Context) error {
		attempts++
		return fmt.Errorf("throttled")
	}, IsTransient)

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, attempts)
}

func TestDo_MaxRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		attempts++
		return fmt.Errorf("always fails")
	}, nil)

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "always fails")
	assert.Equal(t, 3, attempts) // 1 initial + 2 retries
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, &Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond}, func(context.Context) error {
		return fmt.Errorf("would retry")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := &Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(10))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, p.Backoff(1), 2*time.Second)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("throttling"), true},
		{errors.New("Rate exceeded"), true},
		{errors.New("Too Many Requests"), true},
		{errors.New("Service Unavailable"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("resource not found"), false},
		{errors.New("access denied"), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}
