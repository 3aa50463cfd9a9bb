// Package workflow runs named multi-stage workflows asynchronously and lets
// callers poll execution state through an opaque handle. The registry of
// definitions is built once at startup and injected; there is no process-wide
// registration.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/pkg/types"
)

// Status is the lifecycle status of one execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// Execution is the queryable state of one workflow run. The ID is an
// internal handle and must never reach a client response.
type Execution struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	Status     Status          `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Cause      string          `json:"cause,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}

// State carries typed data between the stages of one execution. Each
// workflow supplies its own concrete state; Output is serialized into the
// finished execution.
type State interface {
	Output() ([]byte, error)
}

// ExecutionAware states receive their execution handle before the first
// stage runs, e.g. to key persisted records by it.
type ExecutionAware interface {
	SetExecutionID(id string)
}

// Stage is one retryable unit of a workflow.
type Stage struct {
	Name string
	Run  func(ctx context.Context, state State, saga *Saga) error
}

// Definition is a named workflow: a state constructor plus ordered stages.
type Definition struct {
	Name     string
	Timeout  time.Duration
	NewState func(input []byte) (State, error)
	Stages   []Stage
}

// The retry policy is shared by every stage: bounded attempts with
// exponential backoff, applied only to transient provider errors.
var (
	retryAttempts  = 4
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// Engine runs workflow executions and records their state.
type Engine struct {
	definitions map[string]Definition
	store       ExecutionStore
}

// NewEngine builds an engine from an explicit definition list.
func NewEngine(definitions []Definition, store ExecutionStore) *Engine {
	byName := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		byName[def.Name] = def
	}
	return &Engine{definitions: byName, store: store}
}

// Start launches an execution asynchronously and returns its handle.
func (e *Engine) Start(ctx context.Context, workflowName string, input []byte) (string, error) {
	def, ok := e.definitions[workflowName]
	if !ok {
		return "", &types.NotFoundError{Resource: "workflow " + workflowName}
	}

	state, err := def.NewState(input)
	if err != nil {
		return "", err
	}

	exec := &Execution{
		ID:        fmt.Sprintf("wf-%s-%s", workflowName, uuid.NewString()),
		Workflow:  workflowName,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if aware, ok := state.(ExecutionAware); ok {
		aware.SetExecutionID(exec.ID)
	}
	if err := e.store.Put(ctx, exec); err != nil {
		return "", err
	}

	go e.run(def, *exec, state)

	log.Printf("workflow: started %s execution %s", workflowName, exec.ID)
	return exec.ID, nil
}

// Describe returns the current state of an execution.
func (e *Engine) Describe(ctx context.Context, executionID string) (*Execution, error) {
	return e.store.Get(ctx, executionID)
}

func (e *Engine) run(def Definition, exec Execution, state State) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	saga := &Saga{}

	for _, stage := range def.Stages {
		exec.Stage = stage.Name
		e.persist(&exec)

		if err := runWithRetry(ctx, def.Name, stage, state, saga); err != nil {
			log.Printf("workflow: %s stage %s failed: %v", exec.ID, stage.Name, err)
			saga.Rollback(context.Background())
			e.finish(&exec, statusForError(ctx, err), err)
			return
		}
	}

	output, err := state.Output()
	if err != nil {
		e.finish(&exec, StatusFailed, err)
		return
	}
	exec.Output = output
	e.finish(&exec, StatusSucceeded, nil)
}

func (e *Engine) finish(exec *Execution, status Status, err error) {
	exec.Status = status
	exec.FinishedAt = time.Now().UTC()
	if err != nil {
		exec.Error = errorCode(err)
		exec.Cause = err.Error()
	}
	e.persist(exec)
	log.Printf("workflow: execution %s finished %s", exec.ID, status)
}

func (e *Engine) persist(exec *Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Put(ctx, exec); err != nil {
		log.Printf("workflow: failed to persist execution %s: %v", exec.ID, err)
	}
}

func runWithRetry(ctx context.Context, workflowName string, stage Stage, state State, saga *Saga) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = stage.Run(ctx, state, saga)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) || attempt == retryAttempts {
			return lastErr
		}
		metrics.WorkflowStageRetriesTotal.WithLabelValues(workflowName, stage.Name).Inc()

		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		// Jitter in [delay/2, delay).
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
		log.Printf("workflow: stage %s attempt %d failed, retrying in %s: %v", stage.Name, attempt, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func statusForError(ctx context.Context, err error) Status {
	var timeout *types.TimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return StatusTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return StatusAborted
	}
	return StatusFailed
}

// errorCode maps domain errors onto stable client-visible codes.
func errorCode(err error) string {
	var (
		validation *types.ValidationError
		notFound   *types.NotFoundError
		conflict   *types.ConflictError
		transient  *types.ProviderTransientError
		permanent  *types.ProviderPermanentError
		timeout    *types.TimeoutError
		cmdFailed  *types.CommandFailedError
	)
	switch {
	case errors.As(err, &validation):
		return "ValidationError"
	case errors.As(err, &notFound):
		return "NotFoundError"
	case errors.As(err, &conflict):
		return "ConflictError"
	case errors.As(err, &transient):
		return "ProviderTransientError"
	case errors.As(err, &permanent):
		return "ProviderPermanentError"
	case errors.As(err, &timeout):
		return "TimeoutError"
	case errors.As(err, &cmdFailed):
		return "CommandFailedError"
	default:
		return "InternalError"
	}
}
