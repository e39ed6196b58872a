package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in storage
	ErrJobNotFound = errors.New("job not found")

	// ErrRecordNotFound is returned by storage backends for a missing record
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status change violates the lifecycle
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidRequest is returned when a job request fails validation
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrQueueFull is returned when admission is refused because the queue is at capacity
	ErrQueueFull = errors.New("job queue is full")

	// ErrCapacityExhausted is returned when no concurrency slot is free
	ErrCapacityExhausted = errors.New("no execution capacity available")

	// ErrJobAlreadyRunning is returned when an execution already exists for the job
	ErrJobAlreadyRunning = errors.New("job is already running")

	// ErrUserCancelled is the cancellation cause for caller-initiated cancels
	ErrUserCancelled = errors.New("job cancelled by user")

	// ErrExecutionTimeout is the cancellation cause when a job exceeds its execution deadline
	ErrExecutionTimeout = errors.New("job exceeded maximum execution time")

	// ErrShutdown is the cancellation cause used when the scheduler stops
	ErrShutdown = errors.New("scheduler shutting down")

	// ErrUnknownAgentType is returned when no agent implementation exists for a type
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrStoreOwned is returned when another scheduler already owns the job store
	ErrStoreOwned = errors.New("job store is owned by another scheduler")
)

// StorageError wraps a persistence failure with the operation and job it concerns
type StorageError struct {
	Op    string
	JobID string
	Err   error
}

func (e *StorageError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error
func NewStorageError(op, jobID string, err error) error {
	return &StorageError{Op: op, JobID: jobID, Err: err}
}

// AgentError is returned by agents for failures in their own reasoning or output
type AgentError struct {
	AgentType string
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.AgentType, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
