package scheduler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

// httpStatusCarrier is implemented by errors that carry an HTTP response status
type httpStatusCarrier interface {
	HTTPStatus() int
}

type errorProfile struct {
	severity  domain.Severity
	retryable bool
	actions   []string
}

var errorProfiles = map[domain.ErrorType]errorProfile{
	domain.ErrorTypeNetwork: {
		severity:  domain.SeverityMedium,
		retryable: true,
		actions:   []string{"Check network connectivity to the research backend", "Retry the job"},
	},
	domain.ErrorTypeTimeout: {
		severity:  domain.SeverityMedium,
		retryable: true,
		actions:   []string{"Narrow the query", "Raise timeout_seconds for the job"},
	},
	domain.ErrorTypeRateLimit: {
		severity:  domain.SeverityLow,
		retryable: true,
		actions:   []string{"Wait before resubmitting", "Lower the number of concurrent jobs"},
	},
	domain.ErrorTypeAuthentication: {
		severity: domain.SeverityHigh,
		actions:  []string{"Verify the agent API key"},
	},
	domain.ErrorTypePermission: {
		severity: domain.SeverityHigh,
		actions:  []string{"Check that the agent credentials may access the requested resource"},
	},
	domain.ErrorTypeResource: {
		severity:  domain.SeverityHigh,
		retryable: true,
		actions:   []string{"Free disk or memory on the scheduler host", "Retry the job later"},
	},
	domain.ErrorTypeAgent: {
		severity: domain.SeverityMedium,
		actions:  []string{"Inspect the agent output", "Rephrase the query"},
	},
	domain.ErrorTypeSystem: {
		severity: domain.SeverityCritical,
		actions:  []string{"Check the scheduler logs", "Contact the operator"},
	},
	domain.ErrorTypeUserCancelled: {
		severity: domain.SeverityLow,
		actions:  []string{"Resubmit the job if the result is still needed"},
	},
	domain.ErrorTypeUnknown: {
		severity: domain.SeverityMedium,
		actions:  []string{"Retry the job", "Check the scheduler logs if the failure repeats"},
	},
}

var messageHints = []struct {
	errType  domain.ErrorType
	keywords []string
}{
	{domain.ErrorTypeRateLimit, []string{"rate limit", "too many requests", "quota"}},
	{domain.ErrorTypeAuthentication, []string{"unauthorized", "authentication", "invalid api key", "invalid token"}},
	{domain.ErrorTypePermission, []string{"forbidden", "permission denied", "access denied"}},
	{domain.ErrorTypeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{domain.ErrorTypeNetwork, []string{"connection refused", "connection reset", "no such host", "network", "eof"}},
	{domain.ErrorTypeResource, []string{"out of memory", "no space left", "too many open files", "resource exhausted"}},
}

// Classifier maps execution failures onto structured JobErrors
type Classifier struct {
	now func() time.Time
}

// NewClassifier creates a new Classifier
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// Type determines the error category of err
func (c *Classifier) Type(err error) domain.ErrorType {
	if err == nil {
		return domain.ErrorTypeUnknown
	}

	switch {
	case errors.Is(err, domain.ErrUserCancelled), errors.Is(err, domain.ErrShutdown):
		return domain.ErrorTypeUserCancelled
	case errors.Is(err, domain.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return domain.ErrorTypeUserCancelled
	}

	var carrier httpStatusCarrier
	if errors.As(err, &carrier) {
		switch status := carrier.HTTPStatus(); {
		case status == http.StatusTooManyRequests:
			return domain.ErrorTypeRateLimit
		case status == http.StatusUnauthorized:
			return domain.ErrorTypeAuthentication
		case status == http.StatusForbidden:
			return domain.ErrorTypePermission
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return domain.ErrorTypeTimeout
		case status >= 500:
			return domain.ErrorTypeNetwork
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorTypeTimeout
		}
		return domain.ErrorTypeNetwork
	}

	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOMEM) {
		return domain.ErrorTypeResource
	}

	var agentErr *domain.AgentError
	if errors.As(err, &agentErr) {
		return domain.ErrorTypeAgent
	}

	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		return domain.ErrorTypeSystem
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range messageHints {
		for _, kw := range hint.keywords {
			if strings.Contains(msg, kw) {
				return hint.errType
			}
		}
	}

	return domain.ErrorTypeUnknown
}

// Classify builds the JobError for a failure of jobID
func (c *Classifier) Classify(jobID string, err error) *domain.JobError {
	return c.build(jobID, c.Type(err), err)
}

// ClassifyAs builds a JobError with a forced category
func (c *Classifier) ClassifyAs(jobID string, errType domain.ErrorType, err error) *domain.JobError {
	return c.build(jobID, errType, err)
}

// ClassifyPanic builds a system JobError for a recovered panic
func (c *Classifier) ClassifyPanic(jobID string, recovered any) *domain.JobError {
	jobErr := c.build(jobID, domain.ErrorTypeSystem, panicError{value: recovered})
	jobErr.StackTrace = string(debug.Stack())
	return jobErr
}

func (c *Classifier) build(jobID string, errType domain.ErrorType, err error) *domain.JobError {
	profile, ok := errorProfiles[errType]
	if !ok {
		profile = errorProfiles[domain.ErrorTypeUnknown]
	}

	message := "unknown error"
	details := map[string]string{}
	if err != nil {
		message = err.Error()
		details["cause"] = rootCause(err).Error()
	}

	actions := make([]string, len(profile.actions))
	copy(actions, profile.actions)

	return &domain.JobError{
		JobID:            jobID,
		ErrorType:        errType,
		Severity:         profile.severity,
		Message:          message,
		Details:          details,
		IsRetryable:      profile.retryable,
		SuggestedActions: actions,
		OccurredAt:       c.now().UTC(),
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return "panic: " + err.Error()
	}
	if s, ok := e.value.(string); ok {
		return "panic: " + s
	}
	return "panic during job execution"
}
