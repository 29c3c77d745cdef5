package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/repositories"
)

const notificationIDPrefix = "whn_"

// WebhookDelivery is an authenticated callback body plus its transport metadata.
type WebhookDelivery struct {
	Body        []byte
	ContentType string
	RemoteAddr  string
	Signature   string
}

// WebhookOutcome summarises how an ingested callback was handled. Every outcome is acknowledged.
type WebhookOutcome string

const (
	WebhookApplied       WebhookOutcome = "applied"
	WebhookUnchanged     WebhookOutcome = "unchanged"
	WebhookIgnored       WebhookOutcome = "ignored"
	WebhookOrderNotFound WebhookOutcome = "order_not_found"
	WebhookUnparseable   WebhookOutcome = "unparseable"
	WebhookError         WebhookOutcome = "error"
)

// WebhookIngestorDeps wires the ingestor.
type WebhookIngestorDeps struct {
	Notifications repositories.WebhookNotificationRepository
	Archive       WebhookArchive
	Settlement    SettlementService
	Metrics       Metrics
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGen         func() string
}

type webhookIngestor struct {
	notifications repositories.WebhookNotificationRepository
	archive       WebhookArchive
	settlement    SettlementService
	metrics       Metrics
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
	newID         func() string
}

// NewWebhookIngestor constructs the post-authentication half of the webhook endpoint.
func NewWebhookIngestor(deps WebhookIngestorDeps) (WebhookService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("webhook ingestor: notification repository is required")
	}
	if deps.Settlement == nil {
		return nil, errors.New("webhook ingestor: settlement service is required")
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &webhookIngestor{
		notifications: deps.Notifications,
		archive:       deps.Archive,
		settlement:    deps.Settlement,
		metrics:       metricsOrNoop(deps.Metrics),
		now:           clockOrNow(deps.Clock),
		logger:        loggerOrNoop(deps.Logger),
		newID:         idGen,
	}, nil
}

// Ingest records the raw payload, normalises it and applies the reported status. It never
// returns an error: failures are logged and reported through the outcome so the endpoint can
// still acknowledge the delivery.
func (w *webhookIngestor) Ingest(ctx context.Context, delivery WebhookDelivery) WebhookOutcome {
	ctx, span := tracer.Start(ctx, "webhook.ingest")
	defer span.End()

	outcome := w.ingest(ctx, delivery)
	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	w.metrics.RecordWebhook(string(outcome))
	return outcome
}

func (w *webhookIngestor) ingest(ctx context.Context, delivery WebhookDelivery) WebhookOutcome {
	notification := domain.WebhookNotification{
		ID:          notificationIDPrefix + w.newID(),
		ReceivedAt:  w.now(),
		Payload:     slices.Clone(delivery.Body),
		ContentType: strings.TrimSpace(delivery.ContentType),
		RemoteAddr:  delivery.RemoteAddr,
		Signature:   delivery.Signature,
	}
	if err := w.notifications.Append(ctx, notification); err != nil {
		w.logger(ctx, "settlement.webhook.record_failed", map[string]any{
			"notificationId": notification.ID,
			"error":          err,
		})
	}
	if w.archive != nil {
		if object, err := w.archive.Archive(ctx, notification); err != nil {
			w.logger(ctx, "settlement.webhook.archive_failed", map[string]any{
				"notificationId": notification.ID,
				"error":          err,
			})
		} else {
			w.logger(ctx, "settlement.webhook.archived", map[string]any{
				"notificationId": notification.ID,
				"object":         object,
			})
		}
	}

	parsed, err := payments.ParseWebhook(delivery.Body)
	if err != nil {
		fields := map[string]any{
			"notificationId": notification.ID,
			"error":          err,
		}
		if errors.Is(err, payments.ErrUnsupportedPayload) {
			w.logger(ctx, "settlement.webhook.unsupported", fields)
			return WebhookIgnored
		}
		w.logger(ctx, "settlement.webhook.unparseable", fields)
		return WebhookUnparseable
	}

	result, err := w.settlement.ApplyChargeStatus(ctx, parsed.Event)
	if err != nil {
		fields := map[string]any{
			"notificationId": notification.ID,
			"eventId":        parsed.EventID,
			"eventType":      parsed.EventType,
			"orderId":        parsed.Event.ReferenceID,
			"error":          err,
		}
		if errors.Is(err, ErrOrderNotFound) {
			w.logger(ctx, "settlement.webhook.order_not_found", fields)
			return WebhookOrderNotFound
		}
		w.logger(ctx, "settlement.webhook.apply_failed", fields)
		return WebhookError
	}

	w.logger(ctx, "settlement.webhook.processed", map[string]any{
		"notificationId": notification.ID,
		"eventId":        parsed.EventID,
		"shape":          string(parsed.Shape),
		"orderId":        parsed.Event.ReferenceID,
		"outcome":        string(result.Outcome),
	})
	switch result.Outcome {
	case TransitionApplied:
		return WebhookApplied
	case TransitionUnchanged:
		return WebhookUnchanged
	default:
		return WebhookIgnored
	}
}
