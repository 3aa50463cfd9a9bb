package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
)

// fakeIAM models the create/fetch races the bootstrapper must absorb.
type fakeIAM struct {
	mu             sync.Mutex
	roleExists     bool
	profileExists  bool
	profileARN     string
	policyAttached bool
	createRoleErr  error
	otherErr       error

	// createProfileEmpty makes CreateInstanceProfile succeed without a
	// profile in the response body.
	createProfileEmpty bool
}

func (f *fakeIAM) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.otherErr != nil {
		return nil, f.otherErr
	}
	if !f.roleExists {
		return nil, &smithy.GenericAPIError{Code: "NoSuchEntity", Message: "no role"}
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: params.RoleName}}, nil
}

func (f *fakeIAM) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoleErr != nil {
		return nil, f.createRoleErr
	}
	if f.roleExists {
		return nil, &smithy.GenericAPIError{Code: "EntityAlreadyExists", Message: "dup"}
	}
	f.roleExists = true
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: params.RoleName}}, nil
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policyAttached {
		return nil, &smithy.GenericAPIError{Code: "LimitExceeded", Message: "attached"}
	}
	f.policyAttached = true
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.profileExists {
		return nil, &smithy.GenericAPIError{Code: "NoSuchEntity", Message: "no profile"}
	}
	return &iam.GetInstanceProfileOutput{
		InstanceProfile: &iamtypes.InstanceProfile{Arn: aws.String(f.profileARN)},
	}, nil
}

func (f *fakeIAM) CreateInstanceProfile(ctx context.Context, params *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileExists {
		return nil, &smithy.GenericAPIError{Code: "EntityAlreadyExists", Message: "dup"}
	}
	if f.createProfileEmpty {
		return &iam.CreateInstanceProfileOutput{}, nil
	}
	f.profileExists = true
	f.profileARN = "arn:aws:iam::123456789012:instance-profile/stratus-streaming-profile"
	return &iam.CreateInstanceProfileOutput{
		InstanceProfile: &iamtypes.InstanceProfile{Arn: aws.String(f.profileARN)},
	}, nil
}

func (f *fakeIAM) AddRoleToInstanceProfile(ctx context.Context, params *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func TestRole_CreatesWhenMissing(t *testing.T) {
	fake := &fakeIAM{}
	b := &Bootstrapper{client: fake}

	name, err := b.Role(context.Background())
	if err != nil {
		t.Fatalf("Role() error: %v", err)
	}
	if name != roleName {
		t.Errorf("expected %s, got %s", roleName, name)
	}
	if !fake.roleExists || !fake.policyAttached {
		t.Error("expected role created and policy attached")
	}
}

func TestRole_AbsorbsCreateRace(t *testing.T) {
	fake := &fakeIAM{createRoleErr: &smithy.GenericAPIError{Code: "EntityAlreadyExists", Message: "dup"}}
	b := &Bootstrapper{client: fake}

	if _, err := b.Role(context.Background()); err != nil {
		t.Fatalf("Role() error: %v", err)
	}
}

func TestRole_PropagatesGenuineErrors(t *testing.T) {
	fake := &fakeIAM{otherErr: &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}}
	b := &Bootstrapper{client: fake}

	if _, err := b.Role(context.Background()); err == nil {
		t.Error("expected AccessDenied to propagate")
	}
}

func TestProfile_EmptyCreateResponseErrors(t *testing.T) {
	fake := &fakeIAM{createProfileEmpty: true}
	b := &Bootstrapper{client: fake}

	if _, err := b.Profile(context.Background()); err == nil {
		t.Fatal("expected an error when the provider returns no profile")
	}
}

func TestProfile_ConcurrentCallersConverge(t *testing.T) {
	fake := &fakeIAM{}
	b := &Bootstrapper{client: fake}

	var wg sync.WaitGroup
	arns := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arns[i], errs[i] = b.Profile(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("Profile() call %d error: %v", i, errs[i])
		}
	}
	if arns[0] == "" || arns[0] != arns[1] {
		t.Errorf("both callers must converge on the same ARN, got %q and %q", arns[0], arns[1])
	}
}
