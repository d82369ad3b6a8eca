// ABOUTME: Connection establishment with a bounded fixed-delay retry policy
// ABOUTME: Each attempt gets its own timeout; exhaustion surfaces ErrConnectionTimeout
package transport

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RetryPolicy bounds connection establishment. Message delivery is never retried.
type RetryPolicy struct {
	MaxRetries     int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy fails fast: two retries, 500ms apart, 3s per attempt
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		Delay:          500 * time.Millisecond,
		AttemptTimeout: 3000 * time.Millisecond,
	}
}

// DialFunc opens a channel, honouring ctx's deadline
type DialFunc func(ctx context.Context) (Channel, error)

// Connect dials with the policy. The delay between attempts is fixed.
func Connect(ctx context.Context, policy RetryPolicy, dial DialFunc) (Channel, error) {
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultRetryPolicy().AttemptTimeout
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	var lastErr error
	attempts := policy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		ch, err := dial(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Printf("Connected on attempt %d", attempt)
			}
			return ch, nil
		}
		lastErr = err
		log.Printf("Connection attempt %d/%d failed: %v", attempt, attempts, err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectionTimeout, attempts, lastErr)
}
