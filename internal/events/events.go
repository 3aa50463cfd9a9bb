// Package events publishes deployment lifecycle events to NATS JetStream so
// downstream consumers (billing, session analytics) can react without polling
// the control plane.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName    = "DEPLOYMENT_EVENTS"
	subjectPrefix = "deployments.events"
	streamMaxAge  = 7 * 24 * time.Hour
)

// Event is the JSON payload published to NATS.
type Event struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Region    string          `json:"region"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher publishes deployment events to a JetStream stream.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	region string
}

// NewPublisher connects to NATS and ensures the deployment events stream
// exists.
func NewPublisher(natsURL, region string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Stream may already exist, that's OK.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		log.Printf("events: stream setup: %v", err)
	}

	return &Publisher{nc: nc, js: js, region: region}, nil
}

// Publish sends one event. Failures are logged and dropped; lifecycle events
// are advisory and must never fail a deployment.
func (p *Publisher) Publish(eventType, userID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal payload for %s: %v", eventType, err)
		body = nil
	}

	event := Event{
		Type:      eventType,
		UserID:    userID,
		Region:    p.region,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: marshal event %s: %v", eventType, err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, p.region, eventType)
	if _, err := p.js.Publish(subject, data); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
	}
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}
