package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/stratusgg/stratus/internal/session"
	"github.com/stratusgg/stratus/internal/workflow"
	"github.com/stratusgg/stratus/pkg/types"
)

// linkTokenTTL bounds how long a freshly issued streaming link token stays
// valid.
const linkTokenTTL = 15 * time.Minute

// TokenIssuer mints short-lived session tokens for streaming links. Optional.
type TokenIssuer interface {
	IssueSessionToken(userID, instanceID, sessionName string, ttl time.Duration) (string, error)
}

// Status reports the client-visible state of a user's most recent deployment.
// Workflow execution ids stay server-side; the response never carries one.
func (d *Deployer) Status(ctx context.Context, userID string) (*types.DeploymentStatus, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	rec, err := d.store.LatestForUser(ctx, userID)
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return &types.DeploymentStatus{
				Status:  "NOT_FOUND",
				Message: "no running instance",
			}, nil
		}
		return nil, err
	}

	if rec.ExecutionID == "" {
		return &types.DeploymentStatus{
			Status:  "NOT_FOUND",
			Message: "no active deployment",
		}, nil
	}

	exec, err := d.engine.Describe(ctx, rec.ExecutionID)
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			// Execution expired out of the store; the record is all we have.
			return &types.DeploymentStatus{
				Status:  "NOT_FOUND",
				Message: "no active deployment",
			}, nil
		}
		return nil, err
	}

	switch exec.Status {
	case workflow.StatusRunning:
		return &types.DeploymentStatus{
			Status:           string(workflow.StatusRunning),
			DeploymentStatus: "deploying",
			Message:          "deployment in progress",
		}, nil

	case workflow.StatusSucceeded:
		status := &types.DeploymentStatus{
			Status:           string(workflow.StatusSucceeded),
			DeploymentStatus: "running",
			InstanceID:       rec.InstanceID,
			DCVURL:           rec.DCVURL,
			Message:          "instance is running",
		}
		// The execution output is authoritative; the record is the fallback.
		var out deployOutput
		if len(exec.Output) > 0 {
			if err := json.Unmarshal(exec.Output, &out); err != nil {
				log.Printf("deploy: malformed output on execution for user %s: %v", userID, err)
			}
		}
		if out.InstanceID != "" {
			status.InstanceID = out.InstanceID
		}
		if out.DCVURL != "" {
			status.DCVURL = out.DCVURL
		}
		return status, nil

	default: // FAILED, TIMED_OUT, ABORTED
		return &types.DeploymentStatus{
			Status:  "FAILED",
			Error:   exec.Error,
			Message: failureMessage(exec),
		}, nil
	}
}

// StreamingLink returns the remote-display URL of the user's running
// instance, with a fresh short-lived auth token when an issuer is wired.
func (d *Deployer) StreamingLink(ctx context.Context, userID string) (*types.StreamingLink, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	active, err := d.store.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range active {
		rec := &active[i]
		if rec.State != "running" || rec.DCVURL == "" {
			continue
		}
		link := &types.StreamingLink{URL: rec.DCVURL}
		if d.tokens != nil {
			token, err := d.tokens.IssueSessionToken(userID, rec.InstanceID, session.SessionName(userID), linkTokenTTL)
			if err != nil {
				return nil, err
			}
			link.AuthToken = token
		}
		return link, nil
	}
	return nil, &types.NotFoundError{Resource: "streaming session for user " + userID}
}

func failureMessage(exec *workflow.Execution) string {
	if exec.Cause != "" {
		return exec.Cause
	}
	switch exec.Status {
	case workflow.StatusTimedOut:
		return "deployment timed out"
	case workflow.StatusAborted:
		return "deployment was aborted"
	default:
		return "deployment failed"
	}
}
