// Package compute provisions EC2 instances and block volumes for streaming
// sessions and captures reusable machine images from configured instances.
package compute

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

const (
	tagUserID    = "stratus:user-id"
	tagManagedBy = "stratus:managed-by"
	tagCreatedAt = "stratus:created-at"
	tagPurpose   = "stratus:purpose"

	managedByValue = "stratus-control-plane"
	purposeValue   = "cloud-gaming"

	// TagDCVConfigured marks an instance whose remote-display agent install
	// has completed. Missing tag reads the same as "false".
	TagDCVConfigured = "stratus:dcv-configured"
)

// Config configures the EC2 provisioner.
type Config struct {
	Region          string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string

	// LaunchTemplateID is used when a request carries no explicit AMI.
	LaunchTemplateID string

	InstanceType    string // default instance type, e.g. "g4dn.xlarge"
	SubnetID        string
	SecurityGroupID string
	KeyName         string
}

// ec2API is the slice of the EC2 client the provisioner uses. The concrete
// *ec2.Client satisfies it; tests install a fake.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
}

// Provisioner creates and inspects EC2 instances and volumes.
type Provisioner struct {
	client ec2API
	cfg    Config
}

// NewProvisioner creates a provisioner. If AccessKeyID is empty, the default
// AWS credential chain is used (instance profile, env vars, etc.).
func NewProvisioner(cfg Config) (*Provisioner, error) {
	var client *ec2.Client

	if cfg.AccessKeyID != "" {
		awsCfg := aws.Config{
			Region: cfg.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		}
		client = ec2.NewFromConfig(awsCfg)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("compute: failed to load AWS config: %w", err)
		}
		client = ec2.NewFromConfig(awsCfg)
	}

	return &Provisioner{client: client, cfg: cfg}, nil
}
