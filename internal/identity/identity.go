// Package identity idempotently provisions the IAM role and instance profile
// that let streaming instances receive commands over the SSM channel.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
)

const (
	roleName    = "stratus-streaming-role"
	profileName = "stratus-streaming-profile"

	// ssmManagedPolicyARN grants the command-execution capability.
	ssmManagedPolicyARN = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

	ec2TrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "ec2.amazonaws.com"},
      "Action": "sts:AssumeRole"
    }
  ]
}`
)

type iamAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	CreateInstanceProfile(ctx context.Context, params *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, params *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
}

// Bootstrapper gets-or-creates the shared streaming role and profile.
// Concurrent creators racing on the same fixed names converge: already-exists
// and limit-exceeded conditions are absorbed, everything else propagates.
type Bootstrapper struct {
	client iamAPI
}

// NewBootstrapper creates a bootstrapper using the default credential chain.
func NewBootstrapper(ctx context.Context, region string) (*Bootstrapper, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("identity: failed to load AWS config: %w", err)
	}
	return &Bootstrapper{client: iam.NewFromConfig(awsCfg)}, nil
}

// Role returns the streaming role name, creating the role and attaching the
// SSM policy if it does not exist yet.
func (b *Bootstrapper) Role(ctx context.Context) (string, error) {
	_, err := b.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	if err == nil {
		return roleName, nil
	}
	if !hasErrorCode(err, "NoSuchEntity") {
		return "", fmt.Errorf("identity: get role: %w", err)
	}

	_, err = b.client.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(ec2TrustPolicy),
	})
	if err != nil && !hasErrorCode(err, "EntityAlreadyExists") {
		return "", fmt.Errorf("identity: create role: %w", err)
	}

	_, err = b.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(ssmManagedPolicyARN),
	})
	// LimitExceeded here means the policy is already attached.
	if err != nil && !hasErrorCode(err, "LimitExceeded") {
		return "", fmt.Errorf("identity: attach policy: %w", err)
	}

	log.Printf("identity: role %s ready", roleName)
	return roleName, nil
}

// Profile returns the ARN of the streaming instance profile, creating the
// profile (and role) on first use.
func (b *Bootstrapper) Profile(ctx context.Context) (string, error) {
	existing, err := b.client.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
	})
	if err == nil {
		return aws.ToString(existing.InstanceProfile.Arn), nil
	}
	if !hasErrorCode(err, "NoSuchEntity") {
		return "", fmt.Errorf("identity: get instance profile: %w", err)
	}

	role, err := b.Role(ctx)
	if err != nil {
		return "", err
	}

	created, err := b.client.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
	})
	if err != nil {
		if !hasErrorCode(err, "EntityAlreadyExists") {
			return "", fmt.Errorf("identity: create instance profile: %w", err)
		}
		// A concurrent creator won the race; fall back to fetching.
		existing, err = b.client.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
			InstanceProfileName: aws.String(profileName),
		})
		if err != nil {
			return "", fmt.Errorf("identity: get instance profile after race: %w", err)
		}
	}

	_, err = b.client.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
		RoleName:            aws.String(role),
	})
	// A profile holds exactly one role, so LimitExceeded means ours is in.
	if err != nil && !hasErrorCode(err, "LimitExceeded") && !hasErrorCode(err, "EntityAlreadyExists") {
		return "", fmt.Errorf("identity: add role to profile: %w", err)
	}

	if created != nil && created.InstanceProfile != nil {
		log.Printf("identity: instance profile %s ready", profileName)
		return aws.ToString(created.InstanceProfile.Arn), nil
	}
	if existing == nil || existing.InstanceProfile == nil {
		return "", fmt.Errorf("identity: provider returned no instance profile for %s", profileName)
	}
	return aws.ToString(existing.InstanceProfile.Arn), nil
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
