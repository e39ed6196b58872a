package scheduler

import (
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy decides whether and when a failure is retried. The dispatch loop
// applies it to start failures; failed executions are never resubmitted
// automatically.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the default policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Delay returns min(MaxDelay, BaseDelay * 2^retryCount)
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Backoff returns the go-retry schedule matching Delay: exponential from
// BaseDelay, capped at MaxDelay, stopping after MaxRetries retries
func (p RetryPolicy) Backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(max(p.MaxRetries, 0)), b)
}

// ShouldRetry reports whether a failed job may be retried
func (p RetryPolicy) ShouldRetry(jobErr *domain.JobError) bool {
	if jobErr == nil || !jobErr.IsRetryable {
		return false
	}
	if jobErr.Severity == domain.SeverityCritical {
		return false
	}
	return jobErr.RetryCount < p.MaxRetries
}
