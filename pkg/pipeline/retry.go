package pipeline

import (
	"context"
	"math"
	"time"
)

// DefaultRetryPolicy is applied when a retry behavior declares no policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Strategy:     RetryExponentialBackoff,
	}
}

// Delay returns how long to wait after the given 1-based failed attempt
// before the next one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case RetryFixedDelay:
		delay = p.InitialDelay
	case RetryExponentialBackoff:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	case RetryLinearBackoff:
		// The multiplier scales the initial delay as a per-attempt increment.
		delay = p.InitialDelay + time.Duration(float64(p.InitialDelay)*p.Multiplier*float64(attempt-1))
	case RetryCustom:
		if p.DelayFunc != nil {
			delay = p.DelayFunc(attempt)
		} else {
			delay = p.InitialDelay
		}
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Validate checks the policy parameters.
func (p RetryPolicy) Validate() error {
	if err := p.Strategy.Validate(); err != nil {
		return NewValidationError("invalid retry policy", err).WithCode(ErrCodeValidation)
	}
	if p.MaxAttempts < 1 {
		return NewValidationError("retry policy needs at least one attempt", nil).
			WithCode(ErrCodeValidation)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return NewValidationError("retry policy has negative delay", nil).
			WithCode(ErrCodeValidation)
	}
	if p.Strategy == RetryCustom && p.DelayFunc == nil {
		return NewValidationError("custom retry strategy needs a delay function", nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

// Do re-executes fn until it succeeds, a non-retryable failure occurs, the
// context is cancelled, or the attempts are exhausted. The returned result
// carries the attempt count; on exhaustion it is the last failed result.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) CommandResult) CommandResult {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var res CommandResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res = fn(attempt)
		res.Attempts = attempt

		if res.Success() {
			return res
		}
		if res.Err != nil {
			res.Err = res.Err.WithAttempt(attempt)
			if !IsRetryable(res.Err) {
				return res
			}
		}
		if attempt == attempts {
			return res
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			res.Status = StepStatusCancelled
			res.Err = NewCancelledOutcome("retry loop cancelled", ctx.Err()).
				WithStep(res.CommandID).WithAttempt(attempt)
			return res
		}
	}
	return res
}
