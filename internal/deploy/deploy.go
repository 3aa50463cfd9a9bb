// Package deploy ties the control plane together: the deployment workflow a
// client request kicks off, the terminate flow, and the status reporter
// clients poll for outcome.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stratusgg/stratus/internal/compute"
	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/internal/workflow"
	"github.com/stratusgg/stratus/pkg/types"
)

const (
	// WorkflowDeploy and WorkflowTerminate are the registered workflow names.
	WorkflowDeploy    = "deploy-instance"
	WorkflowTerminate = "terminate-instance"

	deployTimeout    = 45 * time.Minute
	terminateTimeout = 10 * time.Minute
)

// Store is the record persistence the deployer needs.
type Store interface {
	CreateDeployment(ctx context.Context, rec *types.InstanceRecord) error
	UpdateDeployment(ctx context.Context, rec *types.InstanceRecord) error
	LatestForUser(ctx context.Context, userID string) (*types.InstanceRecord, error)
	ActiveForUser(ctx context.Context, userID string) ([]types.InstanceRecord, error)
	GetByInstance(ctx context.Context, instanceID string) (*types.InstanceRecord, error)
	MarkState(ctx context.Context, executionID, state string) error
	Delete(ctx context.Context, executionID string) error
}

// Provisioner is the compute surface the workflows drive.
type Provisioner interface {
	CreateAndWaitForInstance(ctx context.Context, cfg compute.InstanceConfig) (*types.InstanceRecord, error)
	CreateAndAttachVolume(ctx context.Context, cfg compute.VolumeConfig, instanceID string) (*types.VolumeRecord, error)
	SnapshotImage(ctx context.Context, instanceID, userID string) (string, error)
	Terminate(ctx context.Context, instanceID string) error
	WaitForInstanceTerminated(ctx context.Context, instanceID string) error
	DeleteVolume(ctx context.Context, volumeID string) error
}

// SessionEstablisher stands up the remote-display session.
type SessionEstablisher interface {
	Establish(ctx context.Context, instanceID, userID string) (*types.Session, error)
}

// ImageCache is the shared blessed-AMI cache.
type ImageCache interface {
	Get(ctx context.Context) (string, error)
	Put(ctx context.Context, amiID string) (int64, error)
}

// IdentityBootstrapper supplies the instance profile attached to every
// streaming instance.
type IdentityBootstrapper interface {
	Profile(ctx context.Context) (string, error)
}

// EventPublisher receives lifecycle events. Optional.
type EventPublisher interface {
	Publish(eventType, userID string, payload any)
}

// Archiver receives terminated records for cold storage. Optional.
type Archiver interface {
	Archive(ctx context.Context, rec *types.InstanceRecord) error
}

// Deployer owns the deploy/terminate workflows and the status reporter.
type Deployer struct {
	store     Store
	provision Provisioner
	sessions  SessionEstablisher
	images    ImageCache
	identity  IdentityBootstrapper
	events    EventPublisher
	archiver  Archiver
	tokens    TokenIssuer
	engine    *workflow.Engine
	region    string
	defaultAZ string
}

// Options carries the deployer's collaborators. Events and Archiver may be
// nil.
type Options struct {
	Store     Store
	Provision Provisioner
	Sessions  SessionEstablisher
	Images    ImageCache
	Identity  IdentityBootstrapper
	Events    EventPublisher
	Archiver  Archiver
	Tokens    TokenIssuer

	// Region labels metrics and published events.
	Region string

	// DefaultAZ is used for volume placement when the instance record does
	// not carry an availability zone.
	DefaultAZ string
}

// NewDeployer builds the deployer. Feed Definitions into the engine registry,
// then hand the engine back via AttachEngine.
func NewDeployer(opts Options) *Deployer {
	return &Deployer{
		store:     opts.Store,
		provision: opts.Provision,
		sessions:  opts.Sessions,
		images:    opts.Images,
		identity:  opts.Identity,
		events:    opts.Events,
		archiver:  opts.Archiver,
		tokens:    opts.Tokens,
		region:    opts.Region,
		defaultAZ: opts.DefaultAZ,
	}
}

// Definitions returns the workflow definitions this deployer contributes to
// the engine registry.
func (d *Deployer) Definitions() []workflow.Definition {
	return []workflow.Definition{d.deployDefinition(), d.terminateDefinition()}
}

// AttachEngine hands the deployer the engine its workflows run on.
func (d *Deployer) AttachEngine(engine *workflow.Engine) {
	d.engine = engine
}

// deployState is the typed payload threaded through the deploy stages.
type deployState struct {
	ExecutionID  string                `json:"executionId"`
	UserID       string                `json:"userId"`
	AMIID        string                `json:"amiId,omitempty"`
	InstanceType string                `json:"instanceType,omitempty"`
	FromCache    bool                  `json:"fromCache"`
	ProfileARN   string                `json:"profileArn,omitempty"`
	Record       *types.InstanceRecord `json:"record,omitempty"`
	SessionName  string                `json:"sessionName,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
}

func (s *deployState) SetExecutionID(id string) { s.ExecutionID = id }

// deployOutput is the execution's client-relevant output payload.
type deployOutput struct {
	InstanceID string `json:"instanceId"`
	DCVURL     string `json:"dcvUrl"`
	VolumeID   string `json:"volumeId"`
	PublicIP   string `json:"publicIp,omitempty"`
}

func (s *deployState) Output() ([]byte, error) {
	if s.Record == nil {
		return nil, fmt.Errorf("deploy: no instance record produced")
	}
	return json.Marshal(deployOutput{
		InstanceID: s.Record.InstanceID,
		DCVURL:     s.Record.DCVURL,
		VolumeID:   s.Record.VolumeID,
		PublicIP:   s.Record.PublicIP,
	})
}

func newDeployState(input []byte) (workflow.State, error) {
	var req types.DeployRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &types.ValidationError{Field: "body", Reason: "malformed deploy input"}
	}
	if req.UserID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	return &deployState{
		UserID:       req.UserID,
		AMIID:        req.AMIID,
		InstanceType: req.InstanceType,
		StartedAt:    time.Now().UTC(),
	}, nil
}

// activeRecords returns the user's active records. A "deploying" placeholder
// whose execution has already failed or vanished is retired on the spot so a
// dead deployment never blocks the next one.
func (d *Deployer) activeRecords(ctx context.Context, userID string) ([]types.InstanceRecord, error) {
	active, err := d.store.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	live := active[:0]
	for _, rec := range active {
		if rec.State == "deploying" && d.executionGone(ctx, rec.ExecutionID) {
			if err := d.store.MarkState(ctx, rec.ExecutionID, "failed"); err != nil {
				log.Printf("deploy: retire stale record for user %s: %v", userID, err)
			}
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// executionGone reports whether the execution behind a placeholder record has
// terminally failed or is no longer known. Lookup errors count as alive; only
// definite failure retires a record.
func (d *Deployer) executionGone(ctx context.Context, executionID string) bool {
	if executionID == "" {
		return true
	}
	exec, err := d.engine.Describe(ctx, executionID)
	if err != nil {
		var notFound *types.NotFoundError
		return errors.As(err, &notFound)
	}
	switch exec.Status {
	case workflow.StatusFailed, workflow.StatusTimedOut, workflow.StatusAborted:
		return true
	}
	return false
}

// Deploy validates the request, rejects it if the user already has an active
// session or an in-flight deployment, starts the deploy workflow, and records
// the execution handle.
func (d *Deployer) Deploy(ctx context.Context, req types.DeployRequest) error {
	if req.UserID == "" {
		return &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	active, err := d.activeRecords(ctx, req.UserID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return &types.ConflictError{Message: "user already has an active session"}
	}

	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("deploy: encode request: %w", err)
	}

	executionID, err := d.engine.Start(ctx, WorkflowDeploy, input)
	if err != nil {
		return err
	}

	rec := &types.InstanceRecord{
		ExecutionID:  executionID,
		UserID:       req.UserID,
		State:        "deploying",
		InstanceType: req.InstanceType,
		AMIID:        req.AMIID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.CreateDeployment(ctx, rec); err != nil {
		return err
	}

	d.publish("deployment.started", req.UserID, map[string]string{"state": "deploying"})
	return nil
}

func (d *Deployer) deployDefinition() workflow.Definition {
	return workflow.Definition{
		Name:     WorkflowDeploy,
		Timeout:  deployTimeout,
		NewState: newDeployState,
		Stages: []workflow.Stage{
			{Name: "check-existing-session", Run: d.stageCheckExisting},
			{Name: "resolve-image", Run: d.stageResolveImage},
			{Name: "identity-profile", Run: d.stageIdentityProfile},
			{Name: "create-instance", Run: d.stageCreateInstance},
			{Name: "attach-volume", Run: d.stageAttachVolume},
			{Name: "establish-session", Run: d.stageEstablishSession},
			{Name: "publish-image", Run: d.stagePublishImage},
			{Name: "persist-record", Run: d.stagePersistRecord},
		},
	}
}

func (d *Deployer) stageCheckExisting(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	active, err := d.activeRecords(ctx, s.UserID)
	if err != nil {
		return err
	}
	for _, rec := range active {
		// The placeholder for this very execution does not count.
		if rec.ExecutionID == s.ExecutionID {
			continue
		}
		return &types.ConflictError{Message: "user already has an active session"}
	}
	return nil
}

func (d *Deployer) stageResolveImage(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	if s.AMIID != "" {
		// Caller pinned an image; nothing to snapshot later.
		s.FromCache = true
		return nil
	}
	amiID, err := d.images.Get(ctx)
	if err != nil {
		return err
	}
	s.AMIID = amiID
	s.FromCache = amiID != ""
	return nil
}

func (d *Deployer) stageIdentityProfile(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	arn, err := d.identity.Profile(ctx)
	if err != nil {
		return err
	}
	s.ProfileARN = arn
	return nil
}

func (d *Deployer) stageCreateInstance(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	record, err := d.provision.CreateAndWaitForInstance(ctx, compute.InstanceConfig{
		UserID:             s.UserID,
		AMIID:              s.AMIID,
		InstanceType:       s.InstanceType,
		InstanceProfileARN: s.ProfileARN,
	})
	if err != nil {
		return err
	}

	record.ExecutionID = s.ExecutionID
	s.Record = record

	instanceID := record.InstanceID
	saga.Add("terminate-instance", func(ctx context.Context) error {
		return d.provision.Terminate(ctx, instanceID)
	})
	return nil
}

func (d *Deployer) stageAttachVolume(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)

	az := s.Record.AvailabilityZone
	if az == "" {
		az = d.defaultAZ
	}
	volume, err := d.provision.CreateAndAttachVolume(ctx, compute.VolumeConfig{
		UserID:           s.UserID,
		AvailabilityZone: az,
	}, s.Record.InstanceID)
	if err != nil {
		return err
	}

	// The volume id is always threaded into the persisted record; attach is
	// not optional.
	s.Record.VolumeID = volume.VolumeID

	volumeID := volume.VolumeID
	saga.Add("delete-volume", func(ctx context.Context) error {
		return d.provision.DeleteVolume(ctx, volumeID)
	})
	return nil
}

func (d *Deployer) stageEstablishSession(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	sess, err := d.sessions.Establish(ctx, s.Record.InstanceID, s.UserID)
	if err != nil {
		return err
	}
	s.SessionName = sess.Name
	s.Record.DCVURL = sess.URL
	return nil
}

func (d *Deployer) stagePublishImage(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	if s.FromCache {
		return nil
	}

	amiID, err := d.provision.SnapshotImage(ctx, s.Record.InstanceID, s.UserID)
	if err != nil {
		return err
	}
	if _, err := d.images.Put(ctx, amiID); err != nil {
		return err
	}
	s.Record.AMIID = amiID
	return nil
}

func (d *Deployer) stagePersistRecord(ctx context.Context, st workflow.State, saga *workflow.Saga) error {
	s := st.(*deployState)
	s.Record.State = "running"
	if err := d.store.UpdateDeployment(ctx, s.Record); err != nil {
		// The placeholder insert races the workflow goroutine; absorb a miss
		// by inserting the row and updating again.
		var notFound *types.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := d.store.CreateDeployment(ctx, s.Record); err != nil {
			return err
		}
		if err := d.store.UpdateDeployment(ctx, s.Record); err != nil {
			return err
		}
	}

	metrics.DeploymentsTotal.WithLabelValues(d.region, "succeeded").Inc()
	metrics.DeploymentDuration.WithLabelValues(d.region, "succeeded").Observe(time.Since(s.StartedAt).Seconds())
	metrics.InstancesActive.WithLabelValues(d.region).Inc()

	d.publish("deployment.succeeded", s.UserID, deployOutput{
		InstanceID: s.Record.InstanceID,
		DCVURL:     s.Record.DCVURL,
		VolumeID:   s.Record.VolumeID,
	})
	log.Printf("deploy: instance %s ready for user %s", s.Record.InstanceID, s.UserID)
	return nil
}

func (d *Deployer) publish(eventType, userID string, payload any) {
	if d.events == nil {
		return
	}
	d.events.Publish(eventType, userID, payload)
}
