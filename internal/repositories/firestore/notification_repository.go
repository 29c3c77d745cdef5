package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/repositories"
)

const webhookNotificationsCollection = "webhookNotifications"

// NotificationRepository appends webhook deliveries to an audit collection. Documents are never
// updated after creation.
type NotificationRepository struct {
	base *pfirestore.BaseRepository[notificationDocument]
}

// NewNotificationRepository constructs a Firestore-backed webhook audit log.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	return &NotificationRepository{
		base: pfirestore.NewBaseRepository[notificationDocument](provider, webhookNotificationsCollection),
	}, nil
}

var _ repositories.WebhookNotificationRepository = (*NotificationRepository)(nil)

func (r *NotificationRepository) Append(ctx context.Context, notification domain.WebhookNotification) error {
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return errors.New("notification repository: notification id is required")
	}
	return r.base.Create(ctx, id, notificationDocument{
		ReceivedAt:  notification.ReceivedAt.UTC(),
		Payload:     string(notification.Payload),
		ContentType: notification.ContentType,
		RemoteAddr:  notification.RemoteAddr,
		Signature:   notification.Signature,
	})
}

type notificationDocument struct {
	ReceivedAt  time.Time `firestore:"receivedAt"`
	Payload     string    `firestore:"payload"`
	ContentType string    `firestore:"contentType,omitempty"`
	RemoteAddr  string    `firestore:"remoteAddr,omitempty"`
	Signature   string    `firestore:"signature,omitempty"`
}
