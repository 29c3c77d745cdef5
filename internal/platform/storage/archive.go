package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/settlement/internal/domain"
)

const defaultArchivePrefix = "webhooks"

var errArchiveBucket = errors.New("storage: archive bucket is required")

// ObjectWriter is the subset of *storage.Writer used by the archive.
type ObjectWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// ObjectAttrs carry the metadata attached to a new object.
type ObjectAttrs struct {
	ContentType string
	Metadata    map[string]string
}

// WriterFactory opens a create-only writer for bucket/object.
type WriterFactory func(ctx context.Context, bucket, object string, attrs ObjectAttrs) ObjectWriter

// GCSWriterFactory opens writers guarded by a DoesNotExist precondition so a notification is
// stored at most once.
func GCSWriterFactory(client *gcs.Client) WriterFactory {
	return func(ctx context.Context, bucket, object string, attrs ObjectAttrs) ObjectWriter {
		w := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = attrs.ContentType
		w.Metadata = attrs.Metadata
		return w
	}
}

// WebhookArchive stores raw webhook bodies for replay.
type WebhookArchive struct {
	bucket string
	prefix string
	open   WriterFactory
}

// ArchiveOption customises the archive.
type ArchiveOption func(*WebhookArchive)

// WithArchivePrefix overrides the object prefix (defaults to "webhooks").
func WithArchivePrefix(prefix string) ArchiveOption {
	return func(a *WebhookArchive) {
		if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
			a.prefix = p
		}
	}
}

// NewWebhookArchive constructs an archive writing into bucket.
func NewWebhookArchive(bucket string, open WriterFactory, opts ...ArchiveOption) (*WebhookArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errArchiveBucket
	}
	if open == nil {
		return nil, errors.New("storage: writer factory is required")
	}
	archive := &WebhookArchive{bucket: bucket, prefix: defaultArchivePrefix, open: open}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	return archive, nil
}

// Archive writes the notification body. Re-archiving the same notification id is a no-op.
func (a *WebhookArchive) Archive(ctx context.Context, notification domain.WebhookNotification) (string, error) {
	if a == nil || a.open == nil {
		return "", errors.New("storage: archive not initialised")
	}
	object, err := BuildArchivePath(ArchivePathParams{
		Prefix:         a.prefix,
		NotificationID: notification.ID,
		ReceivedAt:     notification.ReceivedAt,
	})
	if err != nil {
		return "", err
	}

	contentType := strings.TrimSpace(notification.ContentType)
	if contentType == "" {
		contentType = "application/json"
	}
	writer := a.open(ctx, a.bucket, object, ObjectAttrs{
		ContentType: contentType,
		Metadata: map[string]string{
			"notificationId": notification.ID,
			"receivedAt":     notification.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	})

	if _, err := writer.Write(notification.Payload); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return object, nil
		}
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return object, nil
		}
		return "", fmt.Errorf("storage: finalize %s: %w", object, err)
	}
	return object, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return status.Code(err) == codes.FailedPrecondition
}
