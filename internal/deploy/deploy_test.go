package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratusgg/stratus/internal/workflow"
	"github.com/stratusgg/stratus/pkg/types"
)

type testRig struct {
	deployer  *Deployer
	engine    *workflow.Engine
	execs     *workflow.MemoryExecutionStore
	store     *memStore
	provision *fakeProvisioner
	sessions  *fakeSessions
	images    *fakeImages
	events    *fakeEvents
	archiver  *fakeArchiver
}

func newTestRig() *testRig {
	rig := &testRig{
		store:     newMemStore(),
		provision: &fakeProvisioner{},
		sessions:  &fakeSessions{},
		images:    &fakeImages{},
		events:    &fakeEvents{},
		archiver:  &fakeArchiver{},
	}
	rig.deployer = NewDeployer(Options{
		Store:     rig.store,
		Provision: rig.provision,
		Sessions:  rig.sessions,
		Images:    rig.images,
		Identity:  &fakeIdentity{},
		Events:    rig.events,
		Archiver:  rig.archiver,
		DefaultAZ: "us-east-1a",
	})
	rig.execs = workflow.NewMemoryExecutionStore()
	rig.engine = workflow.NewEngine(rig.deployer.Definitions(), rig.execs)
	rig.deployer.AttachEngine(rig.engine)
	return rig
}

// waitForRecordState polls the store until the user's latest record reaches
// the wanted state.
func waitForRecordState(t *testing.T, store *memStore, userID, state string) types.InstanceRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.LatestForUser(context.Background(), userID)
		if err == nil && rec.State == state {
			return *rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record for %s never reached state %q", userID, state)
	return types.InstanceRecord{}
}

func waitForTerminal(t *testing.T, engine *workflow.Engine, executionID string) *workflow.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := engine.Describe(context.Background(), executionID)
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if exec.Status != workflow.StatusRunning {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never finished", executionID)
	return nil
}

func TestDeployHappyPathSnapshotsImage(t *testing.T) {
	rig := newTestRig()

	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "alice"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	rec := waitForRecordState(t, rig.store, "alice", "running")
	if rec.InstanceID != "i-0fake" {
		t.Errorf("instance id = %q, want i-0fake", rec.InstanceID)
	}
	if rec.VolumeID != "vol-0fake" {
		t.Errorf("volume id = %q, want vol-0fake", rec.VolumeID)
	}
	if rec.DCVURL == "" {
		t.Error("expected a streaming URL on the final record")
	}

	// The cache was empty, so the workflow must capture and publish an image.
	if len(rig.images.puts) != 1 || rig.images.puts[0] != "ami-0snap" {
		t.Errorf("image cache puts = %v, want [ami-0snap]", rig.images.puts)
	}

	exec := waitForTerminal(t, rig.engine, rec.ExecutionID)
	if exec.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED (error %s: %s)", exec.Status, exec.Error, exec.Cause)
	}

	rig.events.mu.Lock()
	defer rig.events.mu.Unlock()
	var sawSucceeded bool
	for _, ev := range rig.events.events {
		if ev == "deployment.succeeded" {
			sawSucceeded = true
		}
	}
	if !sawSucceeded {
		t.Errorf("events = %v, want deployment.succeeded", rig.events.events)
	}
}

func TestDeployUsesCachedImage(t *testing.T) {
	rig := newTestRig()
	rig.images.amiID = "ami-cached"

	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "bob"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	waitForRecordState(t, rig.store, "bob", "running")

	if len(rig.provision.created) != 1 || rig.provision.created[0].AMIID != "ami-cached" {
		t.Fatalf("created with %+v, want AMIID ami-cached", rig.provision.created)
	}
	if len(rig.images.puts) != 0 {
		t.Errorf("cache hit must not publish a new image, got puts %v", rig.images.puts)
	}
}

func TestDeployRejectsEmptyUser(t *testing.T) {
	rig := newTestRig()

	err := rig.deployer.Deploy(context.Background(), types.DeployRequest{})
	var validation *types.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestDeployConflictsWithActiveSession(t *testing.T) {
	rig := newTestRig()
	rig.store.CreateDeployment(context.Background(), &types.InstanceRecord{
		ExecutionID: "wf-deploy-instance-existing",
		UserID:      "carol",
		InstanceID:  "i-0old",
		State:       "running",
		CreatedAt:   time.Now().UTC(),
	})

	err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "carol"})
	var conflict *types.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestDeployRejectsSecondDeployWhileFirstInFlight(t *testing.T) {
	rig := newTestRig()
	rig.sessions.block = make(chan struct{})

	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "henry"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	// The first workflow is parked in session establishment; a second request
	// must hit the in-flight placeholder and conflict.
	err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "henry"})
	var conflict *types.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second deploy err = %v, want ConflictError", err)
	}

	close(rig.sessions.block)
	rec := waitForRecordState(t, rig.store, "henry", "running")
	exec := waitForTerminal(t, rig.engine, rec.ExecutionID)
	if exec.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED (error %s: %s)", exec.Status, exec.Error, exec.Cause)
	}
	if len(rig.provision.created) != 1 {
		t.Errorf("instances created = %d, want 1", len(rig.provision.created))
	}
}

func TestDeployAllowedAfterFailedDeployment(t *testing.T) {
	rig := newTestRig()
	rig.sessions.err = &types.ProviderPermanentError{
		Precondition: "remote display agent install failed",
		Err:          errors.New("command failed"),
	}

	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "iris"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	stale, err := rig.store.LatestForUser(context.Background(), "iris")
	if err != nil {
		t.Fatalf("LatestForUser: %v", err)
	}
	if exec := waitForTerminal(t, rig.engine, stale.ExecutionID); exec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}

	// The dead placeholder must not block the user's next deployment.
	rig.sessions.err = nil
	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "iris"}); err != nil {
		t.Fatalf("deploy after failed deployment: %v", err)
	}
	waitForRecordState(t, rig.store, "iris", "running")

	if rec, ok := rig.store.get(stale.ExecutionID); !ok || rec.State != "failed" {
		t.Errorf("stale record state = %q, want failed", rec.State)
	}
}

func TestDeployFailureRunsCompensations(t *testing.T) {
	rig := newTestRig()
	rig.sessions.err = &types.ProviderPermanentError{
		Precondition: "remote display agent install failed",
		Err:          errors.New("command failed"),
	}

	if err := rig.deployer.Deploy(context.Background(), types.DeployRequest{UserID: "dave"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	rec, err := rig.store.LatestForUser(context.Background(), "dave")
	if err != nil {
		t.Fatalf("LatestForUser: %v", err)
	}
	exec := waitForTerminal(t, rig.engine, rec.ExecutionID)
	if exec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	if exec.Error != "ProviderPermanentError" {
		t.Errorf("error code = %q, want ProviderPermanentError", exec.Error)
	}

	// Both compensations must have fired: the instance and its volume are gone.
	if got := rig.provision.terminatedIDs(); len(got) != 1 || got[0] != "i-0fake" {
		t.Errorf("terminated = %v, want [i-0fake]", got)
	}
	if len(rig.provision.deletedVol) != 1 || rig.provision.deletedVol[0] != "vol-0fake" {
		t.Errorf("deleted volumes = %v, want [vol-0fake]", rig.provision.deletedVol)
	}
}

func TestTerminateTearsDownActiveInstance(t *testing.T) {
	rig := newTestRig()
	rig.store.CreateDeployment(context.Background(), &types.InstanceRecord{
		ExecutionID: "wf-deploy-instance-live",
		UserID:      "erin",
		InstanceID:  "i-0live",
		State:       "running",
		CreatedAt:   time.Now().UTC(),
	})

	if err := rig.deployer.Terminate(context.Background(), types.TerminateRequest{UserID: "erin"}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	waitForRecordState(t, rig.store, "erin", "terminated")
	if got := rig.provision.terminatedIDs(); len(got) != 1 || got[0] != "i-0live" {
		t.Errorf("terminated = %v, want [i-0live]", got)
	}
	if len(rig.archiver.archived) != 1 || rig.archiver.archived[0] != "i-0live" {
		t.Errorf("archived = %v, want [i-0live]", rig.archiver.archived)
	}
}

func TestTerminateWithoutActiveInstance(t *testing.T) {
	rig := newTestRig()

	err := rig.deployer.Terminate(context.Background(), types.TerminateRequest{UserID: "frank"})
	var notFound *types.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestTerminateSurvivesArchiveFailure(t *testing.T) {
	rig := newTestRig()
	rig.archiver.err = errors.New("bucket gone")
	rig.store.CreateDeployment(context.Background(), &types.InstanceRecord{
		ExecutionID: "wf-deploy-instance-live2",
		UserID:      "grace",
		InstanceID:  "i-0live2",
		State:       "running",
		CreatedAt:   time.Now().UTC(),
	})

	if err := rig.deployer.Terminate(context.Background(), types.TerminateRequest{UserID: "grace"}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitForRecordState(t, rig.store, "grace", "terminated")
}
