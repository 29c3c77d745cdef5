package jobs

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

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/services"
)

func TestPubSubSettlementPublisherPublishesMessage(t *testing.T) {
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

	topic, err := client.CreateTopic(ctx, "order-settlement")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubSettlementPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSettlementPublisher: %v", err)
	}

	event := services.SettlementEvent{
		EventID:        "sev_test",
		OrderID:        "ord_test",
		PreviousStatus: domain.PaymentStatusAwaitingPayment,
		Status:         domain.PaymentStatusPaid,
		Source:         "webhook",
		ChargeID:       "ch_123",
		Total:          11490,
		Currency:       "BRL",
		OccurredAt:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishSettlementEvent(ctx, event); err != nil {
		t.Fatalf("PublishSettlementEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.SettlementEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.Status != domain.PaymentStatusPaid || payload.Total != 11490 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["orderId"] != "ord_test" || attrs["status"] != "PAID" || attrs["previousStatus"] != "AWAITING_PAYMENT" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if attrs["eventType"] != services.SettlementEventType {
		t.Fatalf("expected event type attribute, got %q", attrs["eventType"])
	}
}

func TestNewPubSubSettlementPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubSettlementPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
