package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/settlement/internal/services"
)

// PubSubSettlementPublisher publishes order settlement events to a Pub/Sub topic.
type PubSubSettlementPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubSettlementPublisher constructs a Pub/Sub backed settlement event publisher.
func NewPubSubSettlementPublisher(topic *pubsub.Topic) (*PubSubSettlementPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub settlement publisher: topic is required")
	}
	return &PubSubSettlementPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSettlementEvent publishes one message per effective status transition and waits for
// the server acknowledgement.
func (p *PubSubSettlementPublisher) PublishSettlementEvent(ctx context.Context, event services.SettlementEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub settlement publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal settlement event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", services.SettlementEventType)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))
	setAttr(attrs, "previousStatus", string(event.PreviousStatus))
	setAttr(attrs, "source", event.Source)

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(event.OrderID)
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish settlement event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
