package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int, keys ...string) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Credentials: NewCredentialPool(keys),
		Logger:      quietLogger(),
	}
}

func TestCredentialPool_Rotate(t *testing.T) {
	p := NewCredentialPool([]string{"k1", " ", "k2", ""})
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, "k1", p.Current())
	assert.Equal(t, "k2", p.Rotate())
	assert.Equal(t, "k1", p.Rotate())

	empty := NewCredentialPool(nil)
	assert.Equal(t, "", empty.Current())
	assert.Equal(t, "", empty.Rotate())
}

func TestRetryPolicy_RotatesOnRateLimit(t *testing.T) {
	p := fastPolicy(4, "k1", "k2", "k3")
	var seen []string
	err := p.Do(context.Background(), func(ctx context.Context, credential string) error {
		seen = append(seen, credential)
		if len(seen) < 3 {
			return fmt.Errorf("openai: %w", ErrRateLimited)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2", "k3"}, seen)
}

func TestRetryPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	p := fastPolicy(3, "k1", "k2")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, credential string) error {
		calls++
		return ErrRateLimited
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_OtherErrorsAreNotRetried(t *testing.T) {
	p := fastPolicy(5, "k1", "k2")
	boom := errors.New("bad request")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, credential string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "k1", p.Credentials.Current(), "credential must not rotate on other errors")
}

func TestRetryPolicy_StopsWhenContextEnds(t *testing.T) {
	p := fastPolicy(100, "k1")
	p.BaseDelay = 50 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	err := p.Do(ctx, func(ctx context.Context, credential string) error {
		calls++
		return ErrRateLimited
	})
	require.Error(t, err)
	assert.Less(t, calls, 100)
}
