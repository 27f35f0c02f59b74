package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// CredentialPool hands out upstream API keys round-robin.
type CredentialPool struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

func NewCredentialPool(keys []string) *CredentialPool {
	p := &CredentialPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// Current returns the key in use, or "" when the pool is empty.
func (p *CredentialPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.idx]
}

// Rotate advances to the next key and returns it.
func (p *CredentialPool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	p.idx = (p.idx + 1) % len(p.keys)
	return p.keys[p.idx]
}

func (p *CredentialPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// RetryPolicy retries rate-limited calls with exponential backoff, moving to
// the next credential each time. Any other error stops immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Credentials *CredentialPool
	Logger      *logrus.Logger
}

func (p *RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, fails with something other than ErrRateLimited,
// runs out of attempts, or ctx ends.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, credential string) error) error {
	creds := p.Credentials
	if creds == nil {
		creds = NewCredentialPool(nil)
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx, creds.Current())
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return backoff.Permanent(err)
		}
		if creds.Len() > 1 {
			creds.Rotate()
		}
		logger.WithFields(logrus.Fields{
			"attempt":     attempts,
			"credentials": creds.Len(),
		}).Warn("Upstream rate limited, rotating credential")
		return err
	}

	err := backoff.Retry(op, p.backOff(ctx))
	if err != nil && errors.Is(err, ErrRateLimited) {
		return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
	}
	return err
}
