package storage

import (
	"fmt"
	"strings"
	"time"
)

// BuildArchivePath composes the object key for an archived webhook payload.
// Keys are grouped by source and receipt date so retention policies can be
// applied per prefix.
func BuildArchivePath(source, externalRef string, receivedAt time.Time) (string, error) {
	src, err := validateSegment("source", source)
	if err != nil {
		return "", err
	}
	if receivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}

	ref := sanitizeRef(externalRef)
	if ref == "" {
		ref = "delivery"
	}

	ts := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%s/%s-%d.json",
		src,
		ts.Format("2006/01/02"),
		ref,
		ts.UnixNano(),
	), nil
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

// sanitizeRef strips characters that are unsafe in object keys. External
// references come from gateway payloads and are not trusted.
func sanitizeRef(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
