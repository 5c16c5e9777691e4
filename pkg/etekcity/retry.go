package etekcity

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.
)

// RetryPolicy denotes how failed connection attempts are retried
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
	}
}

// Validate checks the policy for consistency
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("invalid maximum number of attempts: %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("invalid backoff range [%v, %v]", p.InitialBackoff, p.MaxBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("invalid backoff multiplier: %v", p.Multiplier)
	}
	return nil
}

// Backoff returns the delay before the next attempt after the given number
// of consecutive failures (starting at 1)
func (p RetryPolicy) Backoff(failures int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < failures; i++ {
		backoff *= p.Multiplier
		if backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Exhausted returns if no further attempt is permitted after the given number
// of consecutive failures
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

func exhaustedError(lastErr error, address string, failures int) error {
	return fmt.Errorf("%w: %w", ErrRetriesExhausted,
		errors.Wrapf(lastErr, "giving up on `%s` after %d attempts", address, failures))
}
