package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "webhook_events"
	defaultMaxAttempts = 5
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store processed events.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements Store backed by Google Cloud Firestore. The
// document id is the key digest, so the conditional insert rides on
// Firestore's create-if-absent semantics.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed processed-event store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// MarkProcessed records the event inside a transaction. Concurrent calls for
// the same key serialize on the document: exactly one observes first=true.
func (s *FirestoreStore) MarkProcessed(ctx context.Context, key Key, now time.Time, ttl time.Duration) (bool, error) {
	normalized, err := key.normalize()
	if err != nil {
		return false, err
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.client.Collection(s.collection).Doc(normalized.digest())
	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	record := firestoreRecord{
		Source:      normalized.Source,
		ExternalRef: normalized.ExternalRef,
		Status:      normalized.Status,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	first := false
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		first = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				if err := tx.Create(ref, record); err != nil {
					return err
				}
				first = true
				return nil
			}
			return err
		}

		var existing firestoreRecord
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if !existing.ExpiresAt.IsZero() && !now.Before(existing.ExpiresAt) {
			// Retention window elapsed; treat the redelivery as new.
			if err := tx.Set(ref, record); err != nil {
				return err
			}
			first = true
		}
		return nil
	}, firestore.MaxAttempts(attempts))
	if err != nil {
		return false, err
	}
	return first, nil
}

// CleanupExpired removes expired records up to the provided limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.collection).Where("expires_at", "<=", now).Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}

	return len(docs), nil
}

type firestoreRecord struct {
	Source      string    `firestore:"source"`
	ExternalRef string    `firestore:"external_ref"`
	Status      string    `firestore:"status"`
	CreatedAt   time.Time `firestore:"created_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

var _ Store = (*FirestoreStore)(nil)
var _ Store = (*MemoryStore)(nil)
