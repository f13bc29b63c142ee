package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// Archiver persists raw webhook payloads to a Cloud Storage bucket for audit.
type Archiver struct {
	client *gcs.Client
	bucket string
}

// NewArchiver constructs an Archiver writing to the given bucket.
func NewArchiver(client *gcs.Client, bucket string) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage archiver: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archiver: bucket is required")
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// ArchiveWebhookPayload writes the payload bytes as a JSON object and returns
// the object path. The payload is stored verbatim; parsing failures upstream
// must not prevent archival.
func (a *Archiver) ArchiveWebhookPayload(ctx context.Context, source, externalRef string, payload []byte, receivedAt time.Time) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("storage archiver: not initialised")
	}
	if len(payload) == 0 {
		return "", errors.New("storage archiver: payload is empty")
	}

	path, err := BuildArchivePath(source, externalRef, receivedAt)
	if err != nil {
		return "", err
	}

	writer := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		"source":      source,
		"externalRef": externalRef,
		"receivedAt":  receivedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := writer.Write(payload); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage archiver: write payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage archiver: close object: %w", err)
	}
	return path, nil
}
