// Package session establishes remote-display (DCV) sessions on running
// instances: install the agent if the instance has never been configured,
// create a session under a deterministic name, and derive the streaming URL.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/stratusgg/stratus/internal/command"
	"github.com/stratusgg/stratus/internal/compute"
	"github.com/stratusgg/stratus/internal/metrics"
	"github.com/stratusgg/stratus/pkg/types"
)

const (
	// streamingPort is the fixed DCV listen port on every instance.
	streamingPort = 8443

	// sessionOwner is the OS account DCV sessions run under.
	sessionOwner = "dcv"

	installDocument       = "stratus-install-dcv"
	createSessionDocument = "stratus-create-dcv-session"

	tokenTTL = 15 * time.Minute
)

// ErrMissingPublicIP is returned when a running instance has no public
// address to build a streaming URL from.
var ErrMissingPublicIP = errors.New("instance has no public ip")

// instanceAPI is the slice of the compute provisioner the orchestrator needs.
type instanceAPI interface {
	Get(ctx context.Context, instanceID string) (*compute.InstanceDetails, error)
	SetTag(ctx context.Context, instanceID, key, value string) error
}

// channelAPI is the command-execution channel contract.
type channelAPI interface {
	Send(ctx context.Context, instanceID, documentName string, params map[string][]string) (string, error)
	Wait(ctx context.Context, commandID, instanceID string, timeout, interval time.Duration) error
	EnsureDocument(ctx context.Context, name, content string) error
}

// tokenIssuer mints short-lived session tokens. Optional.
type tokenIssuer interface {
	IssueSessionToken(userID, instanceID, sessionName string, ttl time.Duration) (string, error)
}

// Orchestrator drives install-or-skip and session creation on one instance.
type Orchestrator struct {
	instances instanceAPI
	channel   channelAPI
	tokens    tokenIssuer
}

// NewOrchestrator creates a session orchestrator. tokens may be nil, in which
// case sessions carry no auth token.
func NewOrchestrator(instances instanceAPI, channel channelAPI, tokens tokenIssuer) *Orchestrator {
	return &Orchestrator{instances: instances, channel: channel, tokens: tokens}
}

// SessionName returns the deterministic session name for a user. Repeated
// session creation under the same name reuses it.
func SessionName(userID string) string {
	return fmt.Sprintf("user-%s-session", userID)
}

// StreamingURL composes the client-facing URL for a session on publicIP.
func StreamingURL(publicIP, sessionName string) string {
	query := url.Values{"session-id": []string{sessionName}}
	return fmt.Sprintf("https://%s:%d?%s", publicIP, streamingPort, query.Encode())
}

// Establish runs the session state machine and returns the streaming session.
// Idempotent with respect to the configured flag: an instance already tagged
// configured skips straight to session creation, which itself is safe to
// repeat.
func (o *Orchestrator) Establish(ctx context.Context, instanceID, userID string) (*types.Session, error) {
	details, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// A missing tag reads the same as "false".
	if details.Tags[compute.TagDCVConfigured] != "true" {
		if err := o.install(ctx, instanceID); err != nil {
			return nil, err
		}
		if err := o.instances.SetTag(ctx, instanceID, compute.TagDCVConfigured, "true"); err != nil {
			return nil, err
		}
		log.Printf("session: instance %s configured for DCV", instanceID)
	}

	name := SessionName(userID)
	if err := o.createSession(ctx, instanceID, name); err != nil {
		return nil, err
	}

	// Re-read: the address can change between creation and now (e.g. after
	// a stop/start cycle).
	details, err = o.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if details.PublicIP == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingPublicIP, instanceID)
	}

	session := &types.Session{
		Name: name,
		URL:  StreamingURL(details.PublicIP, name),
	}
	if o.tokens != nil {
		token, err := o.tokens.IssueSessionToken(userID, instanceID, name, tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("session: issue token: %w", err)
		}
		session.AuthToken = token
	}

	log.Printf("session: %s ready on %s", name, instanceID)
	return session, nil
}

func (o *Orchestrator) install(ctx context.Context, instanceID string) error {
	commandID, err := o.send(ctx, instanceID, installDocument, installDocumentContent, nil)
	if err != nil {
		return err
	}
	return o.wait(ctx, commandID, instanceID, installDocument, command.InstallTimeout)
}

func (o *Orchestrator) createSession(ctx context.Context, instanceID, name string) error {
	params := map[string][]string{
		"sessionName": {name},
		"owner":       {sessionOwner},
	}
	commandID, err := o.send(ctx, instanceID, createSessionDocument, createSessionDocumentContent, params)
	if err != nil {
		return err
	}
	return o.wait(ctx, commandID, instanceID, createSessionDocument, command.SessionTimeout)
}

func (o *Orchestrator) wait(ctx context.Context, commandID, instanceID, documentName string, timeout time.Duration) error {
	start := time.Now()
	err := o.channel.Wait(ctx, commandID, instanceID, timeout, command.DefaultPollInterval)
	metrics.CommandWaitDuration.WithLabelValues(documentName).Observe(time.Since(start).Seconds())
	return err
}

// send dispatches a command, creating the document first when the provider
// has never seen it.
func (o *Orchestrator) send(ctx context.Context, instanceID, documentName, documentContent string, params map[string][]string) (string, error) {
	commandID, err := o.channel.Send(ctx, instanceID, documentName, params)
	if err == nil {
		return commandID, nil
	}
	if !errors.Is(err, command.ErrDocumentNotFound) {
		return "", err
	}

	if err := o.channel.EnsureDocument(ctx, documentName, documentContent); err != nil {
		return "", err
	}
	return o.channel.Send(ctx, instanceID, documentName, params)
}
