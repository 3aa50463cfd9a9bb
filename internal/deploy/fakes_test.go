package deploy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratusgg/stratus/internal/compute"
	"github.com/stratusgg/stratus/pkg/types"
)

// memStore is an in-memory Store keyed by execution id.
type memStore struct {
	mu      sync.Mutex
	records map[string]types.InstanceRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]types.InstanceRecord)}
}

func (m *memStore) CreateDeployment(ctx context.Context, rec *types.InstanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ExecutionID]; ok {
		return nil
	}
	m.records[rec.ExecutionID] = *rec
	return nil
}

func (m *memStore) UpdateDeployment(ctx context.Context, rec *types.InstanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ExecutionID]; !ok {
		return &types.NotFoundError{Resource: "deployment " + rec.ExecutionID}
	}
	m.records[rec.ExecutionID] = *rec
	return nil
}

func (m *memStore) byUser(userID string) []types.InstanceRecord {
	var out []types.InstanceRecord
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memStore) LatestForUser(ctx context.Context, userID string) (*types.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.byUser(userID)
	if len(recs) == 0 {
		return nil, &types.NotFoundError{Resource: "deployment for user " + userID}
	}
	return &recs[0], nil
}

func (m *memStore) ActiveForUser(ctx context.Context, userID string) ([]types.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []types.InstanceRecord
	for _, rec := range m.byUser(userID) {
		if rec.State == "deploying" || rec.State == "pending" || rec.State == "running" {
			active = append(active, rec)
		}
	}
	return active, nil
}

func (m *memStore) GetByInstance(ctx context.Context, instanceID string) (*types.InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.InstanceID == instanceID {
			out := rec
			return &out, nil
		}
	}
	return nil, &types.NotFoundError{Resource: "instance " + instanceID}
}

func (m *memStore) MarkState(ctx context.Context, executionID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[executionID]
	if !ok {
		return &types.NotFoundError{Resource: "deployment " + executionID}
	}
	rec.State = state
	m.records[executionID] = rec
	return nil
}

func (m *memStore) Delete(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, executionID)
	return nil
}

func (m *memStore) get(executionID string) (types.InstanceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[executionID]
	return rec, ok
}

// fakeProvisioner is a scriptable Provisioner.
type fakeProvisioner struct {
	mu sync.Mutex

	createErr error
	volumeErr error

	snapshotID  string
	snapshotErr error

	created    []compute.InstanceConfig
	terminated []string
	volumes    []string
	deletedVol []string
}

func (f *fakeProvisioner) CreateAndWaitForInstance(ctx context.Context, cfg compute.InstanceConfig) (*types.InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, cfg)
	return &types.InstanceRecord{
		InstanceID:       "i-0fake",
		InstanceARN:      "arn:aws:ec2:us-east-1:123456789012:instance/i-0fake",
		UserID:           cfg.UserID,
		PublicIP:         "198.51.100.7",
		State:            "running",
		AvailabilityZone: "us-east-1a",
		AMIID:            cfg.AMIID,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (f *fakeProvisioner) CreateAndAttachVolume(ctx context.Context, cfg compute.VolumeConfig, instanceID string) (*types.VolumeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volumeErr != nil {
		return nil, f.volumeErr
	}
	f.volumes = append(f.volumes, cfg.AvailabilityZone)
	return &types.VolumeRecord{VolumeID: "vol-0fake", State: "in-use", SizeGiB: 100, Type: "gp3"}, nil
}

func (f *fakeProvisioner) SnapshotImage(ctx context.Context, instanceID, userID string) (string, error) {
	if f.snapshotErr != nil {
		return "", f.snapshotErr
	}
	if f.snapshotID != "" {
		return f.snapshotID, nil
	}
	return "ami-0snap", nil
}

func (f *fakeProvisioner) Terminate(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeProvisioner) WaitForInstanceTerminated(ctx context.Context, instanceID string) error {
	return nil
}

func (f *fakeProvisioner) DeleteVolume(ctx context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedVol = append(f.deletedVol, volumeID)
	return nil
}

func (f *fakeProvisioner) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

// fakeSessions hands back a canned session. A non-nil block channel parks
// Establish until the test closes it, holding the workflow mid-flight.
type fakeSessions struct {
	err   error
	block chan struct{}
	calls int
}

func (f *fakeSessions) Establish(ctx context.Context, instanceID, userID string) (*types.Session, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.Session{
		Name: "user-" + userID + "-session",
		URL:  "https://198.51.100.7:8443?session-id=user-" + userID + "-session",
	}, nil
}

// fakeImages is an in-memory AMI cache.
type fakeImages struct {
	mu     sync.Mutex
	amiID  string
	getErr error
	puts   []string
}

func (f *fakeImages) Get(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.amiID, nil
}

func (f *fakeImages) Put(ctx context.Context, amiID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, amiID)
	f.amiID = amiID
	return int64(len(f.puts)), nil
}

type fakeIdentity struct{ err error }

func (f *fakeIdentity) Profile(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "arn:aws:iam::123456789012:instance-profile/stratus-streaming-profile", nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Publish(eventType, userID string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, rec *types.InstanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, rec.InstanceID)
	return nil
}
