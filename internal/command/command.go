// Package command sends named operations to instances over the SSM command
// channel and waits for them to reach a terminal status.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/stratusgg/stratus/internal/poll"
	"github.com/stratusgg/stratus/pkg/types"
)

// Status is the lifecycle status of one sent command.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
	StatusTimedOut   Status = "TimedOut"
)

const (
	// InstallTimeout bounds the remote-display agent install, which pulls
	// and configures GPU drivers and the DCV server.
	InstallTimeout = 30 * time.Minute

	// SessionTimeout bounds create-session commands.
	SessionTimeout = 5 * time.Minute

	// DefaultPollInterval is the fixed wait between status reads.
	DefaultPollInterval = 10 * time.Second
)

// IsTerminalFailure reports whether s ends the command unsuccessfully.
func (s Status) IsTerminalFailure() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusTimedOut
}

// ErrDocumentNotFound is returned by Send when the named command document
// does not exist. The caller creates it (EnsureDocument) and retries; the
// channel never creates documents on its own.
var ErrDocumentNotFound = errors.New("command document not found")

type ssmAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CreateDocument(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error)
}

// Channel is the command-execution channel to managed instances.
type Channel struct {
	client ssmAPI
}

// NewChannel creates a channel using the default AWS credential chain.
func NewChannel(ctx context.Context, region string) (*Channel, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("command: failed to load AWS config: %w", err)
	}
	return &Channel{client: ssm.NewFromConfig(awsCfg)}, nil
}

// Send dispatches a named, parameterized operation to the target instance and
// returns the opaque command id.
func (c *Channel) Send(ctx context.Context, instanceID, documentName string, params map[string][]string) (string, error) {
	result, err := c.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(documentName),
		InstanceIds:  []string{instanceID},
		Parameters:   params,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidDocument" {
			return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, documentName)
		}
		return "", fmt.Errorf("command: send %s to %s: %w", documentName, instanceID, err)
	}
	if result.Command == nil || result.Command.CommandId == nil {
		return "", fmt.Errorf("command: send %s returned no command id", documentName)
	}

	commandID := aws.ToString(result.Command.CommandId)
	log.Printf("command: sent %s to %s (command %s)", documentName, instanceID, commandID)
	return commandID, nil
}

// Status reads the current status of a command. Pure read, no side effects.
// Provider statuses outside the known set are surfaced as-is and treated as
// non-terminal by Wait.
func (c *Channel) Status(ctx context.Context, commandID, instanceID string) (Status, error) {
	result, err := c.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("command: status of %s on %s: %w", commandID, instanceID, err)
	}
	return Status(result.Status), nil
}

// Wait polls the command at a fixed interval until Success, a terminal
// failure (CommandFailedError), or the timeout (TimeoutError). Cancelling ctx
// aborts the wait promptly.
func (c *Channel) Wait(ctx context.Context, commandID, instanceID string, timeout, interval time.Duration) error {
	return poll.Until(ctx, "command "+commandID, interval, timeout,
		func(ctx context.Context) (bool, error) {
			status, err := c.Status(ctx, commandID, instanceID)
			if err != nil {
				return false, err
			}
			if status == StatusSuccess {
				return true, nil
			}
			if status.IsTerminalFailure() {
				return false, &types.CommandFailedError{CommandID: commandID, Status: string(status)}
			}
			return false, nil
		})
}

// EnsureDocument creates the named command document from content. A document
// that already exists is fine; concurrent creators are expected.
func (c *Channel) EnsureDocument(ctx context.Context, name, content string) error {
	_, err := c.client.CreateDocument(ctx, &ssm.CreateDocumentInput{
		Name:         aws.String(name),
		Content:      aws.String(content),
		DocumentType: ssmtypes.DocumentTypeCommand,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "DocumentAlreadyExists" {
			return nil
		}
		return fmt.Errorf("command: create document %s: %w", name, err)
	}
	log.Printf("command: created document %s", name)
	return nil
}
