package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifier_Type(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorType
	}{
		{"nil", nil, domain.ErrorTypeUnknown},
		{"user cancelled", fmt.Errorf("stop: %w", domain.ErrUserCancelled), domain.ErrorTypeUserCancelled},
		{"shutdown", domain.ErrShutdown, domain.ErrorTypeUserCancelled},
		{"execution timeout", domain.ErrExecutionTimeout, domain.ErrorTypeTimeout},
		{"deadline exceeded", context.DeadlineExceeded, domain.ErrorTypeTimeout},
		{"context cancelled", context.Canceled, domain.ErrorTypeUserCancelled},
		{"status 429", &agent.StatusError{StatusCode: 429}, domain.ErrorTypeRateLimit},
		{"status 401", &agent.StatusError{StatusCode: 401}, domain.ErrorTypeAuthentication},
		{"status 403", &agent.StatusError{StatusCode: 403}, domain.ErrorTypePermission},
		{"status 504", &agent.StatusError{StatusCode: 504}, domain.ErrorTypeTimeout},
		{"status 502", fmt.Errorf("call: %w", &agent.StatusError{StatusCode: 502}), domain.ErrorTypeNetwork},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, domain.ErrorTypeNetwork},
		{"disk full", &os.PathError{Op: "write", Path: "/data", Err: syscall.ENOSPC}, domain.ErrorTypeResource},
		{"agent error", &domain.AgentError{AgentType: "http", Err: errors.New("bad json")}, domain.ErrorTypeAgent},
		{"storage error", domain.NewStorageError("save_job", "1", errors.New("boom")), domain.ErrorTypeSystem},
		{"rate limit hint", errors.New("Rate limit reached for model"), domain.ErrorTypeRateLimit},
		{"auth hint", errors.New("invalid API key provided"), domain.ErrorTypeAuthentication},
		{"network hint", errors.New("read tcp: connection reset by peer"), domain.ErrorTypeNetwork},
		{"timeout hint", errors.New("request timed out"), domain.ErrorTypeTimeout},
		{"unknown", errors.New("something odd"), domain.ErrorTypeUnknown},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Type(tt.err))
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	cause := errors.New("connection refused")
	jobErr := c.Classify("job-1", fmt.Errorf("failed to call agent: %w", cause))

	assert.Equal(t, "job-1", jobErr.JobID)
	assert.Equal(t, domain.ErrorTypeNetwork, jobErr.ErrorType)
	assert.Equal(t, domain.SeverityMedium, jobErr.Severity)
	assert.True(t, jobErr.IsRetryable)
	assert.Equal(t, "failed to call agent: connection refused", jobErr.Message)
	assert.Equal(t, "connection refused", jobErr.Details["cause"])
	assert.NotEmpty(t, jobErr.SuggestedActions)
	assert.Equal(t, fixed, jobErr.OccurredAt)

	// suggested actions are copied per error
	jobErr.SuggestedActions[0] = "changed"
	assert.NotEqual(t, "changed", c.Classify("job-2", cause).SuggestedActions[0])
}

func TestClassifier_ClassifyPanic(t *testing.T) {
	jobErr := NewClassifier().ClassifyPanic("job-1", "index out of range")

	assert.Equal(t, domain.ErrorTypeSystem, jobErr.ErrorType)
	assert.Equal(t, domain.SeverityCritical, jobErr.Severity)
	assert.False(t, jobErr.IsRetryable)
	assert.Equal(t, "panic: index out of range", jobErr.Message)
	assert.NotEmpty(t, jobErr.StackTrace)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{64, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry %d", tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.retry))
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name   string
		jobErr *domain.JobError
		want   bool
	}{
		{"nil", nil, false},
		{"retryable", &domain.JobError{IsRetryable: true, Severity: domain.SeverityMedium}, true},
		{"not retryable", &domain.JobError{IsRetryable: false, Severity: domain.SeverityLow}, false},
		{"critical", &domain.JobError{IsRetryable: true, Severity: domain.SeverityCritical}, false},
		{"retries exhausted", &domain.JobError{IsRetryable: true, Severity: domain.SeverityLow, RetryCount: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.jobErr))
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond}
	b := p.Backoff()

	var delays []time.Duration
	for {
		next, stop := b.Next()
		if stop {
			break
		}
		delays = append(delays, next)
	}

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		30 * time.Millisecond,
	}, delays)
	for i, d := range delays {
		assert.Equal(t, p.Delay(i), d)
	}
}
