package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff for pushes.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBreaker creates the circuit breaker guarding the remote.
func newBreaker(name string, failures uint32, log zerolog.Logger) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // One probe in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Our own cancellation says nothing about the remote
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// pushWithRetry pushes a batch with exponential backoff inside the breaker.
// An open circuit fails fast without retrying.
func pushWithRetry(ctx context.Context, remote Remote, batch []Record, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) ([]PushResult, error) {
	var results []PushResult

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return remote.Push(ctx, batch)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res := out.([]PushResult)
		if len(res) != len(batch) {
			return backoff.Permanent(fmt.Errorf("remote returned %d results for %d records", len(res), len(batch)))
		}
		results = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return results, err
}
