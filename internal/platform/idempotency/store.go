package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is the default duration that processed-event records are
// retained. Gateways bound their redelivery windows well inside a day.
const DefaultTTL = 24 * time.Hour

// Key identifies one externally reported status event. Two deliveries with
// the same source, reference, and status are the same event.
type Key struct {
	Source      string
	ExternalRef string
	Status      string
}

// Record captures a processed event for auditing and eviction.
type Record struct {
	Source      string
	ExternalRef string
	Status      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists write-once facts about processed webhook events. The
// check-and-record must be a single conditional insert so concurrent
// deliveries of the identical event cannot both observe "not yet processed".
type Store interface {
	// MarkProcessed records the event and reports whether this call was the
	// first to do so. False means a duplicate delivery.
	MarkProcessed(ctx context.Context, key Key, now time.Time, ttl time.Duration) (bool, error)
	// CleanupExpired removes records past their retention window.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrInvalidKey is returned when a key component is empty.
var ErrInvalidKey = errors.New("idempotency: key requires source, external reference, and status")

func (k Key) normalize() (Key, error) {
	normalized := Key{
		Source:      strings.TrimSpace(k.Source),
		ExternalRef: strings.TrimSpace(k.ExternalRef),
		Status:      strings.ToLower(strings.TrimSpace(k.Status)),
	}
	if normalized.Source == "" || normalized.ExternalRef == "" || normalized.Status == "" {
		return Key{}, ErrInvalidKey
	}
	return normalized, nil
}

func (k Key) digest() string {
	sum := sha256.Sum256([]byte(k.Source + "|" + k.ExternalRef + "|" + k.Status))
	return hex.EncodeToString(sum[:])
}
