package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction of the delay applied as +/-. Zero takes the
	// default; a negative value disables jitter.
	Jitter float64

	// Classify decides whether an error may be retried. Defaults to errors.IsRetryable.
	Classify func(error) bool
	OnRetry  func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns three attempts starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// PolicyFromConfig builds a policy from the retry config section.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		Jitter:       jitterFromConfig(cfg.Jitter),
	}
}

// RETRY_JITTER=0 means no jitter, not the default.
func jitterFromConfig(j float64) float64 {
	if j == 0 {
		return -1
	}
	return j
}

// Retryer runs operations under a Policy.
type Retryer struct {
	policy Policy
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New normalizes the policy and returns a Retryer.
func New(policy Policy, logger *logrus.Logger) *Retryer {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = def.Multiplier
	}
	switch {
	case policy.Jitter < 0:
		policy.Jitter = 0
	case policy.Jitter == 0 || policy.Jitter >= 1:
		policy.Jitter = def.Jitter
	}
	if policy.Classify == nil {
		policy.Classify = errors.IsRetryable
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retryer{
		policy: policy,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the normalized policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func (r *Retryer) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, r *Retryer, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt - 1)
			r.logger.WithFields(logrus.Fields{
				"operation":    operation,
				"attempt":      attempt,
				"max_attempts": r.policy.MaxAttempts,
				"delay_ms":     delay.Milliseconds(),
				"error":        lastErr,
			}).Debug("Retrying operation")
			metrics.RecordRetry(operation)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Wrap(ctx.Err(), fmt.Sprintf("%s canceled while retrying", operation)).
					WithField("last_error", lastErr.Error())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(logrus.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !r.policy.Classify(err) {
			return zero, err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"operation": operation,
		"attempts":  r.policy.MaxAttempts,
		"error":     lastErr,
	}).Warn("Retry attempts exhausted")

	return zero, errors.Wrap(lastErr, fmt.Sprintf("%s failed after %d attempts", operation, r.policy.MaxAttempts)).
		WithField("attempts", r.policy.MaxAttempts)
}

// delay is initial*multiplier^(n-1), capped at MaxDelay, with +/-Jitter,
// never below InitialDelay.
func (r *Retryer) delay(n int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter > 0 {
		r.mu.Lock()
		f := r.rng.Float64()
		r.mu.Unlock()
		d += (f*2 - 1) * d * r.policy.Jitter
	}

	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}
