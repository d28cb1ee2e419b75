package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stallfront/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	event := services.OrderEvent{
		ID:          "evt_01J0000000000000000000000A",
		Type:        "suborder.status_changed",
		OccurredAt:  occurredAt,
		OrderID:     "ord_01J0000000000000000000000B",
		OrderNumber: "SF-20250314-0042",
		BuyerID:     "buyer-1",
		VendorID:    "vnd_maple",
		SubOrderID:  "sub_01J0000000000000000000000C",
		Status:      "shipped",
		Locale:      "en-GB",
		Metadata:    map[string]string{"tracking_number": "TRK-123"},
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload struct {
		ID         string            `json:"id"`
		Type       string            `json:"type"`
		OccurredAt time.Time         `json:"occurred_at"`
		OrderID    string            `json:"order_id"`
		VendorID   string            `json:"vendor_id"`
		SubOrderID string            `json:"sub_order_id"`
		Status     string            `json:"status"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != event.ID || payload.Type != event.Type {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected occurred_at %v", payload.OccurredAt)
	}
	if payload.Status != "shipped" || payload.Metadata["tracking_number"] != "TRK-123" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	attrs := messages[0].Attributes
	if attrs["event_type"] != "suborder.status_changed" {
		t.Fatalf("expected event_type attribute, got %q", attrs["event_type"])
	}
	if attrs["order_id"] != event.OrderID {
		t.Fatalf("expected order_id attribute, got %q", attrs["order_id"])
	}
	if attrs["vendor_id"] != "vnd_maple" {
		t.Fatalf("expected vendor_id attribute, got %q", attrs["vendor_id"])
	}
	if messages[0].OrderingKey != event.OrderID {
		t.Fatalf("expected ordering key %q, got %q", event.OrderID, messages[0].OrderingKey)
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error when topic is nil")
	}
}
