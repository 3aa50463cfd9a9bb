package types

import (
	"errors"
	"fmt"
)

// ValidationError reports a missing or malformed required input. Mapped to
// HTTP 400 and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an absent record or resource. Mapped to HTTP 404.
type NotFoundError struct {
	Resource string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Resource + " not found"
}

// ConflictError reports a request that collides with existing state, such as
// a deployment for a user who already has an active session.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ProviderTransientError wraps a provider failure that is expected to clear on
// retry (throttling, capacity). Eligible for the workflow retry policy.
type ProviderTransientError struct {
	Code string
	Err  error
}

func (e *ProviderTransientError) Error() string {
	return fmt.Sprintf("transient provider error %s: %v", e.Code, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ProviderPermanentError wraps a provider failure caused by a bad reference
// (unknown AMI, subnet, security group, key pair). Not retried; Precondition
// names what was missing.
type ProviderPermanentError struct {
	Precondition string
	Err          error
}

func (e *ProviderPermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Precondition, e.Err)
}

func (e *ProviderPermanentError) Unwrap() error { return e.Err }

// TimeoutError reports that a wait primitive exceeded its deadline before a
// terminal state was observed. Distinct from a provider-reported failure: the
// underlying operation may still be running.
type TimeoutError struct {
	Op      string
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %ds", e.Op, e.Seconds)
}

// CommandFailedError reports a command that reached a terminal failure status.
type CommandFailedError struct {
	CommandID string
	Status    string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %s finished with status %s", e.CommandID, e.Status)
}

// IsRetryable reports whether the workflow retry policy may re-run the stage
// that produced err.
func IsRetryable(err error) bool {
	var transient *ProviderTransientError
	return errors.As(err, &transient)
}
