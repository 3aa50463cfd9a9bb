package deploy

import (
	"context"
	"encoding/json"
	"log"

	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/internal/workflow"
	"github.com/stratusgg/stratus/pkg/types"
)

// terminateState is the typed payload of the terminate workflow.
type terminateState struct {
	ExecutionID string                `json:"executionId"`
	UserID      string                `json:"userId"`
	Record      *types.InstanceRecord `json:"record,omitempty"`
}

func (s *terminateState) SetExecutionID(id string) { s.ExecutionID = id }

func (s *terminateState) Output() ([]byte, error) {
	instanceID := ""
	if s.Record != nil {
		instanceID = s.Record.InstanceID
	}
	return json.Marshal(map[string]string{"instanceId": instanceID, "state": "terminated"})
}

func newTerminateState(input []byte) (workflow.State, error) {
	var req types.TerminateRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &types.ValidationError{Field: "body", Reason: "malformed terminate input"}
	}
	if req.UserID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	return &terminateState{UserID: req.UserID}, nil
}

// Terminate starts the teardown workflow for the user's active instance. It
// fails fast with NotFoundError when there is nothing to tear down.
func (d *Deployer) Terminate(ctx context.Context, req types.TerminateRequest) error {
	if req.UserID == "" {
		return &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	active, err := d.activeRecords(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return &types.NotFoundError{Resource: "active instance for user " + req.UserID}
	}

	input, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := d.engine.Start(ctx, WorkflowTerminate, input); err != nil {
		return err
	}
	return nil
}

func (d *Deployer) terminateDefinition() workflow.Definition {
	return workflow.Definition{
		Name:     WorkflowTerminate,
		Timeout:  terminateTimeout,
		NewState: newTerminateState,
		Stages: []workflow.Stage{
			{Name: "find-instance", Run: d.stageFindInstance},
			{Name: "terminate-instance", Run: d.stageTerminateInstance},
			{Name: "archive-record", Run: d.stageArchiveRecord},
			{Name: "mark-terminated", Run: d.stageMarkTerminated},
		},
	}
}

func (d *Deployer) stageFindInstance(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*terminateState)
	active, err := d.activeRecords(ctx, s.UserID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return &types.NotFoundError{Resource: "active instance for user " + s.UserID}
	}
	// Most recent first; there should only ever be one.
	s.Record = &active[0]
	return nil
}

func (d *Deployer) stageTerminateInstance(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*terminateState)
	if s.Record.InstanceID == "" {
		// Deployment never produced an instance; nothing to terminate.
		return nil
	}
	if err := d.provision.Terminate(ctx, s.Record.InstanceID); err != nil {
		return err
	}
	// Waiting for the terminated state is best effort; the terminate call has
	// already been accepted and detached volumes survive regardless.
	if err := d.provision.WaitForInstanceTerminated(ctx, s.Record.InstanceID); err != nil {
		log.Printf("deploy: wait for %s to terminate: %v", s.Record.InstanceID, err)
	}
	return nil
}

func (d *Deployer) stageArchiveRecord(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*terminateState)
	if d.archiver == nil {
		return nil
	}
	if err := d.archiver.Archive(ctx, s.Record); err != nil {
		// Archival is best-effort; teardown must not stall on it.
		log.Printf("deploy: archive of %s failed: %v", s.Record.InstanceID, err)
	}
	return nil
}

func (d *Deployer) stageMarkTerminated(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*terminateState)
	if err := d.store.MarkState(ctx, s.Record.ExecutionID, "terminated"); err != nil {
		return err
	}
	metrics.InstancesActive.WithLabelValues(d.region).Dec()
	d.publish("deployment.terminated", s.UserID, map[string]string{
		"instanceId": s.Record.InstanceID,
	})
	log.Printf("deploy: terminated instance %s for user %s", s.Record.InstanceID, s.UserID)
	return nil
}
