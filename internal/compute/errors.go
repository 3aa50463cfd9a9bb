package compute

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/stratusgg/stratus/pkg/types"
)

// preconditionByCode maps EC2 lookup failures to the missing precondition
// they name. These are permanent: retrying with the same inputs cannot help.
var preconditionByCode = map[string]string{
	"InvalidAMIID.NotFound":            "machine image not found",
	"InvalidAMIID.Malformed":           "machine image id malformed",
	"InvalidSubnetID.NotFound":         "subnet not found",
	"InvalidGroup.NotFound":            "security group not found",
	"InvalidKeyPair.NotFound":          "key pair not found",
	"InvalidLaunchTemplateId.NotFound": "launch template not found",
}

func isTransientCode(code string) bool {
	switch code {
	case "InstanceLimitExceeded",
		"InsufficientInstanceCapacity",
		"VolumeLimitExceeded",
		"RequestLimitExceeded",
		"Throttling",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError":
		return true
	}
	return false
}

// translateEC2Error converts provider error codes into the stable domain
// taxonomy. Unrecognized errors come back wrapped with the original message.
func translateEC2Error(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("compute: %s: %w", op, err)
	}

	code := apiErr.ErrorCode()
	if precondition, ok := preconditionByCode[code]; ok {
		return &types.ProviderPermanentError{Precondition: precondition, Err: err}
	}
	if isTransientCode(code) {
		return &types.ProviderTransientError{Code: code, Err: err}
	}
	return fmt.Errorf("compute: %s: %w", op, err)
}
