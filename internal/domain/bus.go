package domain

import (
	"context"
)

// EventBus carries post-commit side-effect jobs and notifications.
// Community tier uses in-process Go channels; Pro tier uses NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics for the intake pipeline's post-commit effects.
const (
	TopicVisitCreated      = "curlew.visit.created"
	TopicVisitAttachments  = "curlew.visit.attachments"
	TopicPaymentRecomputed = "curlew.payment.recomputed"
)

// AttachmentJob is the payload published on TopicVisitAttachments after a
// visit commits. The download worker consumes it with its own retry policy;
// failure never rolls back the visit.
type AttachmentJob struct {
	VisitID      string   `json:"visitId"`
	SubmissionID string   `json:"submissionId"`
	Domain       string   `json:"domain"`
	Attachments  []string `json:"attachments"`
}

// VisitCreatedEvent is published on TopicVisitCreated after commit.
type VisitCreatedEvent struct {
	VisitID       string      `json:"visitId"`
	OpportunityID string      `json:"opportunityId"`
	WorkerID      string      `json:"workerId"`
	Status        VisitStatus `json:"status"`
	Flagged       bool        `json:"flagged"`
}
