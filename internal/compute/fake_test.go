package compute

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// fakeEC2 is a scriptable in-memory stand-in for the EC2 client.
type fakeEC2 struct {
	runErr       error
	instanceID   string
	state        ec2types.InstanceStateName
	publicIP     string
	privateIP    string
	tags         []ec2types.Tag
	imageID      string
	createImgErr error

	volumeID       string
	volumeState    ec2types.VolumeState
	createVolErr   error
	describeVolErr error

	runCalls        int
	terminateCalls  int
	createTagCalls  []ec2types.Tag
	attachCalls     int
	modifyAttrInput *ec2.ModifyInstanceAttributeInput
	deletedVolumes  []string
	lastRunInput    *ec2.RunInstancesInput
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runCalls++
	f.lastRunInput = params
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{f.instance()},
	}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{
			{Instances: []ec2types.Instance{f.instance()}},
		},
	}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminateCalls++
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.createTagCalls = append(f.createTagCalls, params.Tags...)
	f.tags = append(f.tags, params.Tags...)
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error) {
	if f.createImgErr != nil {
		return nil, f.createImgErr
	}
	out := &ec2.CreateImageOutput{}
	if f.imageID != "" {
		out.ImageId = aws.String(f.imageID)
	}
	return out, nil
}

func (f *fakeEC2) CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	if f.createVolErr != nil {
		return nil, f.createVolErr
	}
	return &ec2.CreateVolumeOutput{
		VolumeId: aws.String(f.volumeID),
		State:    ec2types.VolumeStateCreating,
		Size:     params.Size,
	}, nil
}

func (f *fakeEC2) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if f.describeVolErr != nil {
		return nil, f.describeVolErr
	}
	return &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{
			{
				VolumeId:   aws.String(f.volumeID),
				State:      f.volumeState,
				Size:       aws.Int32(100),
				VolumeType: ec2types.VolumeTypeGp3,
			},
		},
	}, nil
}

func (f *fakeEC2) AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.attachCalls++
	f.volumeState = ec2types.VolumeStateInUse
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.modifyAttrInput = params
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.deletedVolumes = append(f.deletedVolumes, aws.ToString(params.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) instance() ec2types.Instance {
	inst := ec2types.Instance{
		InstanceId:   aws.String(f.instanceID),
		InstanceType: ec2types.InstanceTypeG4dnXlarge,
		ImageId:      aws.String("ami-fake"),
		State:        &ec2types.InstanceState{Name: f.state},
		Tags:         f.tags,
		Placement:    &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
	}
	if f.publicIP != "" {
		inst.PublicIpAddress = aws.String(f.publicIP)
	}
	if f.privateIP != "" {
		inst.PrivateIpAddress = aws.String(f.privateIP)
	}
	return inst
}

func newTestProvisioner(fake *fakeEC2) *Provisioner {
	return &Provisioner{
		client: fake,
		cfg: Config{
			Region:           "us-east-1",
			AccountID:        "123456789012",
			LaunchTemplateID: "lt-0abc",
			InstanceType:     "g4dn.xlarge",
		},
	}
}
