// Package pubsub publishes harvest notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// AttributeEvent carries the event name on every message.
const AttributeEvent = "event"

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open connects a client for projectID and binds topicID. The returned close
// func stops the topic and closes the client.
func Open(ctx context.Context, projectID, topicID string) (*Publisher, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	closeFn := func() error {
		topic.Stop()
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
		return nil
	}
	return New(topic), closeFn, nil
}

// Publish marshals the payload to JSON and publishes it. The event name is
// sent as the AttributeEvent attribute.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{AttributeEvent: event},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
