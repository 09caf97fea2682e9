package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/marketday/api/internal/services"
)

// PubSubDispatcher publishes notifications to a Pub/Sub topic consumed by the delivery worker.
type PubSubDispatcher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubDispatcher constructs a Pub/Sub backed dispatcher.
func NewPubSubDispatcher(topic *pubsub.Topic) (*PubSubDispatcher, error) {
	if topic == nil {
		return nil, errors.New("pubsub dispatcher: topic is required")
	}
	// Per-user ordering keeps a cancellation ahead of any later status message for the same buyer.
	topic.EnableMessageOrdering = true
	return &PubSubDispatcher{topic: topic, marshal: json.Marshal}, nil
}

// Send implements services.NotificationDispatcher and blocks until the server acknowledges the message.
func (p *PubSubDispatcher) Send(ctx context.Context, notification services.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub dispatcher: not initialised")
	}

	data, err := p.marshal(newEnvelope(notification))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes(notification),
		OrderingKey: strings.TrimSpace(notification.UserID),
	})
	if _, err := result.Get(ctx); err != nil {
		if key := strings.TrimSpace(notification.UserID); key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func attributes(n services.Notification) map[string]string {
	attrs := make(map[string]string, 4)
	setAttr(attrs, "notificationId", n.ID)
	setAttr(attrs, "template", n.Template)
	setAttr(attrs, "userId", n.UserID)
	setAttr(attrs, "vertical", n.Vertical)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
