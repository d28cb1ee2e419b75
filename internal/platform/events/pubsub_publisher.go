package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/stallfront/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	// Events for one order must reach consumers in publish order.
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order event message on the configured topic.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(messageFrom(event))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event_type", event.Type)
	setAttr(attrs, "order_id", event.OrderID)
	setAttr(attrs, "vendor_id", event.VendorID)

	key := strings.TrimSpace(event.OrderID)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: key,
	})

	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key; resume so later events
		// for the same order are not rejected outright.
		if key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// orderEventMessage is the wire shape consumers of the order-events topic decode.
type orderEventMessage struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	OrderID     string            `json:"order_id"`
	OrderNumber string            `json:"order_number,omitempty"`
	BuyerID     string            `json:"buyer_id,omitempty"`
	VendorID    string            `json:"vendor_id,omitempty"`
	SubOrderID  string            `json:"sub_order_id,omitempty"`
	Status      string            `json:"status,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func messageFrom(event services.OrderEvent) orderEventMessage {
	return orderEventMessage{
		ID:          event.ID,
		Type:        event.Type,
		OccurredAt:  event.OccurredAt,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		BuyerID:     event.BuyerID,
		VendorID:    event.VendorID,
		SubOrderID:  event.SubOrderID,
		Status:      event.Status,
		Locale:      event.Locale,
		Metadata:    event.Metadata,
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
