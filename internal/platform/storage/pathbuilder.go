package storage

import (
	"fmt"
	"strings"
	"time"
)

// ArchivePathParams identify a single archived webhook delivery.
type ArchivePathParams struct {
	Prefix         string
	NotificationID string
	ReceivedAt     time.Time
	Extension      string
}

// BuildArchivePath composes "<prefix>/<yyyy>/<mm>/<dd>/<notificationID>.<ext>" using the UTC
// receipt date so a day's deliveries can be listed and replayed together.
func BuildArchivePath(params ArchivePathParams) (string, error) {
	prefix := strings.Trim(strings.TrimSpace(params.Prefix), "/")
	if prefix == "" {
		prefix = defaultArchivePrefix
	}
	for _, segment := range strings.Split(prefix, "/") {
		if _, err := validateSegment("prefix", segment); err != nil {
			return "", err
		}
	}
	id, err := validateSegment("notificationID", params.NotificationID)
	if err != nil {
		return "", err
	}
	if params.ReceivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	ext := strings.TrimPrefix(strings.TrimSpace(params.Extension), ".")
	if ext == "" {
		ext = "json"
	}
	fileName, err := validateFileName(id + "." + ext)
	if err != nil {
		return "", err
	}
	day := params.ReceivedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s", prefix, day.Year(), int(day.Month()), day.Day(), fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
