package compute

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stratusgg/stratus/internal/poll"
	"github.com/stratusgg/stratus/pkg/types"
)

const (
	instanceRunningTimeout  = 5 * time.Minute
	instanceRunningInterval = 5 * time.Second

	instanceTerminatedTimeout = 5 * time.Minute
)

// InstanceConfig describes one instance creation request.
type InstanceConfig struct {
	UserID             string
	AMIID              string // optional; launch template is used when empty
	InstanceType       string // optional; provisioner default when empty
	InstanceProfileARN string // optional IAM instance profile
	Tags               map[string]string
}

// InstanceDetails is a point-in-time read of a live instance.
type InstanceDetails struct {
	InstanceID   string
	State        string
	PublicIP     string
	PrivateIP    string
	InstanceType string
	Tags         map[string]string
}

// CreateInstance launches one instance and returns its initial record. The
// instance is usually still "pending" on return; use WaitForInstanceRunning
// (or CreateAndWaitForInstance) before handing it to a session.
func (p *Provisioner) CreateInstance(ctx context.Context, cfg InstanceConfig) (*types.InstanceRecord, error) {
	if cfg.UserID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	tags := []ec2types.Tag{
		{Key: aws.String(tagUserID), Value: aws.String(cfg.UserID)},
		{Key: aws.String(tagManagedBy), Value: aws.String(managedByValue)},
		{Key: aws.String(tagCreatedAt), Value: aws.String(now.Format(time.RFC3339))},
		{Key: aws.String(tagPurpose), Value: aws.String(purposeValue)},
	}
	for k, v := range cfg.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
		},
	}

	if cfg.AMIID != "" {
		input.ImageId = aws.String(cfg.AMIID)
	} else {
		input.LaunchTemplate = &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(p.cfg.LaunchTemplateID),
		}
	}

	instanceType := p.cfg.InstanceType
	if cfg.InstanceType != "" {
		instanceType = cfg.InstanceType
	}
	if instanceType != "" {
		input.InstanceType = ec2types.InstanceType(instanceType)
	}

	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{p.cfg.SecurityGroupID}
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}
	if cfg.InstanceProfileARN != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Arn: aws.String(cfg.InstanceProfileARN),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, translateEC2Error("RunInstances", err)
	}
	if len(result.Instances) == 0 {
		return nil, fmt.Errorf("compute: RunInstances returned no instances")
	}

	inst := result.Instances[0]
	record := p.recordFromInstance(&inst, cfg.UserID)
	record.CreatedAt = now
	log.Printf("compute: created instance %s for user %s", record.InstanceID, cfg.UserID)
	return record, nil
}

// WaitForInstanceRunning blocks until the instance reports running, then
// re-reads full details (IPs become available only at that point).
func (p *Provisioner) WaitForInstanceRunning(ctx context.Context, instanceID string) (*types.InstanceRecord, error) {
	var record *types.InstanceRecord

	err := poll.Until(ctx, "instance "+instanceID+" running", instanceRunningInterval, instanceRunningTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := p.describeOne(ctx, instanceID)
			if err != nil {
				return false, err
			}
			if inst.State == nil || inst.State.Name != ec2types.InstanceStateNameRunning {
				return false, nil
			}
			record = p.recordFromInstance(inst, tagValue(inst.Tags, tagUserID))
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateAndWaitForInstance is the primary entry point for the deployment
// workflow: create, then block until running.
func (p *Provisioner) CreateAndWaitForInstance(ctx context.Context, cfg InstanceConfig) (*types.InstanceRecord, error) {
	created, err := p.CreateInstance(ctx, cfg)
	if err != nil {
		return nil, err
	}

	running, err := p.WaitForInstanceRunning(ctx, created.InstanceID)
	if err != nil {
		return nil, err
	}
	running.CreatedAt = created.CreatedAt
	running.AMIID = created.AMIID
	return running, nil
}

// Get returns a point-in-time read of the instance, including its tags.
func (p *Provisioner) Get(ctx context.Context, instanceID string) (*InstanceDetails, error) {
	inst, err := p.describeOne(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	details := &InstanceDetails{
		InstanceID:   aws.ToString(inst.InstanceId),
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		InstanceType: string(inst.InstanceType),
		Tags:         tags,
	}
	if inst.State != nil {
		details.State = string(inst.State.Name)
	}
	return details, nil
}

// SetTag creates or overwrites one tag on the instance.
func (p *Provisioner) SetTag(ctx context.Context, instanceID, key, value string) error {
	_, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags: []ec2types.Tag{
			{Key: aws.String(key), Value: aws.String(value)},
		},
	})
	if err != nil {
		return translateEC2Error("CreateTags", err)
	}
	return nil
}

// Terminate shuts the instance down. Volumes attached with delete-on-
// termination disabled survive.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return translateEC2Error("TerminateInstances", err)
	}
	log.Printf("compute: terminating instance %s", instanceID)
	return nil
}

// WaitForInstanceTerminated blocks until the instance reports terminated.
func (p *Provisioner) WaitForInstanceTerminated(ctx context.Context, instanceID string) error {
	return poll.Until(ctx, "instance "+instanceID+" terminated", instanceRunningInterval, instanceTerminatedTimeout,
		func(ctx context.Context) (bool, error) {
			inst, err := p.describeOne(ctx, instanceID)
			if err != nil {
				return false, err
			}
			return inst.State != nil && inst.State.Name == ec2types.InstanceStateNameTerminated, nil
		})
}

// SnapshotImage captures a machine image from a live instance without
// rebooting it. The image and its backing snapshots are tagged with the
// creator, user, and source instance for auditability.
func (p *Provisioner) SnapshotImage(ctx context.Context, instanceID, userID string) (string, error) {
	tags := []ec2types.Tag{
		{Key: aws.String(tagManagedBy), Value: aws.String(managedByValue)},
		{Key: aws.String(tagUserID), Value: aws.String(userID)},
		{Key: aws.String("stratus:source-instance"), Value: aws.String(instanceID)},
	}

	result, err := p.client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(instanceID),
		Name:       aws.String(fmt.Sprintf("stratus-dcv-%s-%d", instanceID, time.Now().Unix())),
		NoReboot:   aws.Bool(true),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeImage, Tags: tags},
			{ResourceType: ec2types.ResourceTypeSnapshot, Tags: tags},
		},
	})
	if err != nil {
		return "", translateEC2Error("CreateImage", err)
	}

	amiID := aws.ToString(result.ImageId)
	if amiID == "" {
		return "", fmt.Errorf("compute: snapshot of %s returned no image id", instanceID)
	}
	log.Printf("compute: captured image %s from instance %s", amiID, instanceID)
	return amiID, nil
}

// ARN returns the fully-qualified identifier for an instance in the
// provisioner's region and account.
func (p *Provisioner) ARN(instanceID string) string {
	return fmt.Sprintf("arn:aws:ec2:%s:%s:instance/%s", p.cfg.Region, p.cfg.AccountID, instanceID)
}

func (p *Provisioner) describeOne(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	result, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, translateEC2Error("DescribeInstances", err)
	}
	for _, res := range result.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				return &inst, nil
			}
		}
	}
	return nil, &types.NotFoundError{Resource: "instance " + instanceID}
}

func (p *Provisioner) recordFromInstance(inst *ec2types.Instance, userID string) *types.InstanceRecord {
	id := aws.ToString(inst.InstanceId)
	record := &types.InstanceRecord{
		InstanceID:   id,
		InstanceARN:  p.ARN(id),
		UserID:       userID,
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		InstanceType: string(inst.InstanceType),
		AMIID:        aws.ToString(inst.ImageId),
	}
	if inst.State != nil {
		record.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		record.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return record
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
