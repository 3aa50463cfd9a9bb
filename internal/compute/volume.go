package compute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stratusgg/stratus/internal/poll"
	"github.com/stratusgg/stratus/pkg/types"
)

const (
	defaultVolumeSizeGiB = 100
	defaultVolumeType    = ec2types.VolumeTypeGp3

	volumeWaitInterval = 5 * time.Second
	volumeWaitTimeout  = 5 * time.Minute

	// volumeDevice is where the persistent game-data volume is exposed.
	volumeDevice = "/dev/sdf"
)

// VolumeConfig describes one volume creation request.
type VolumeConfig struct {
	UserID           string
	SizeGiB          int32  // default 100
	Type             string // default gp3
	AvailabilityZone string
}

// CreateVolume creates a block volume tagged with the same conventions as
// instances.
func (p *Provisioner) CreateVolume(ctx context.Context, cfg VolumeConfig) (*types.VolumeRecord, error) {
	if cfg.UserID == "" {
		return nil, &types.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	size := cfg.SizeGiB
	if size <= 0 {
		size = defaultVolumeSizeGiB
	}
	volumeType := defaultVolumeType
	if cfg.Type != "" {
		volumeType = ec2types.VolumeType(cfg.Type)
	}

	result, err := p.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(cfg.AvailabilityZone),
		Size:             aws.Int32(size),
		VolumeType:       volumeType,
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeVolume,
				Tags: []ec2types.Tag{
					{Key: aws.String(tagUserID), Value: aws.String(cfg.UserID)},
					{Key: aws.String(tagManagedBy), Value: aws.String(managedByValue)},
					{Key: aws.String(tagCreatedAt), Value: aws.String(time.Now().UTC().Format(time.RFC3339))},
					{Key: aws.String(tagPurpose), Value: aws.String(purposeValue)},
				},
			},
		},
	})
	if err != nil {
		return nil, translateEC2Error("CreateVolume", err)
	}

	record := &types.VolumeRecord{
		VolumeID: aws.ToString(result.VolumeId),
		State:    string(result.State),
		SizeGiB:  size,
		Type:     string(volumeType),
	}
	log.Printf("compute: created volume %s (%dGiB %s) for user %s", record.VolumeID, size, volumeType, cfg.UserID)
	return record, nil
}

// WaitForVolume polls until the volume reaches targetState. A volume that
// reports "error" before that fails immediately, as does a volume the
// provider no longer knows about.
func (p *Provisioner) WaitForVolume(ctx context.Context, volumeID string, timeout time.Duration, targetState string) (*types.VolumeRecord, error) {
	var record *types.VolumeRecord

	err := poll.Until(ctx, "volume "+volumeID+" "+targetState, volumeWaitInterval, timeout,
		func(ctx context.Context) (bool, error) {
			result, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
				VolumeIds: []string{volumeID},
			})
			if err != nil {
				var apiErr smithy.APIError
				if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidVolume.NotFound" {
					return false, &types.NotFoundError{Resource: "volume " + volumeID}
				}
				return false, translateEC2Error("DescribeVolumes", err)
			}
			if len(result.Volumes) == 0 {
				return false, &types.NotFoundError{Resource: "volume " + volumeID}
			}

			vol := result.Volumes[0]
			state := string(vol.State)
			if state == string(ec2types.VolumeStateError) && targetState != state {
				return false, fmt.Errorf("compute: volume %s entered error state", volumeID)
			}
			if state != targetState {
				return false, nil
			}
			record = &types.VolumeRecord{
				VolumeID: volumeID,
				State:    state,
				SizeGiB:  aws.ToInt32(vol.Size),
				Type:     string(vol.VolumeType),
			}
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// AttachVolume attaches the volume to the instance and then flips the
// attachment's delete-on-termination flag off, so the volume survives
// instance teardown and can seed image-reuse workflows. The provider default
// would delete it.
func (p *Provisioner) AttachVolume(ctx context.Context, instanceID, volumeID string) error {
	_, err := p.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		InstanceId: aws.String(instanceID),
		VolumeId:   aws.String(volumeID),
		Device:     aws.String(volumeDevice),
	})
	if err != nil {
		return translateEC2Error("AttachVolume", err)
	}

	_, err = p.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMappingSpecification{
			{
				DeviceName: aws.String(volumeDevice),
				Ebs: &ec2types.EbsInstanceBlockDeviceSpecification{
					VolumeId:            aws.String(volumeID),
					DeleteOnTermination: aws.Bool(false),
				},
			},
		},
	})
	if err != nil {
		return translateEC2Error("ModifyInstanceAttribute", err)
	}

	log.Printf("compute: attached volume %s to instance %s (delete-on-termination off)", volumeID, instanceID)
	return nil
}

// CreateAndAttachVolume runs create → wait available → attach → wait in-use
// and returns the final record. The first failing stage aborts the rest;
// retries belong to the caller's workflow policy.
func (p *Provisioner) CreateAndAttachVolume(ctx context.Context, cfg VolumeConfig, instanceID string) (*types.VolumeRecord, error) {
	created, err := p.CreateVolume(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := p.WaitForVolume(ctx, created.VolumeID, volumeWaitTimeout, string(ec2types.VolumeStateAvailable)); err != nil {
		return nil, err
	}

	if err := p.AttachVolume(ctx, instanceID, created.VolumeID); err != nil {
		return nil, err
	}

	return p.WaitForVolume(ctx, created.VolumeID, volumeWaitTimeout, string(ec2types.VolumeStateInUse))
}

// DeleteVolume removes a volume. Used by the deploy workflow's compensation
// path for volumes that never reached a session.
func (p *Provisioner) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := p.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	if err != nil {
		return translateEC2Error("DeleteVolume", err)
	}
	return nil
}
