package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/groundcycle/api/internal/domain"
	pfirestore "github.com/groundcycle/api/internal/platform/firestore"
	"github.com/groundcycle/api/internal/repositories"
)

const notificationsCollection = "notifications"

// NotificationRepository stores the durable per-user notification log.
type NotificationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[notificationDocument]
}

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[notificationDocument](provider, notificationsCollection, nil, nil)
	return &NotificationRepository{provider: provider, base: base}, nil
}

// Insert persists a new notification.
func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) (domain.Notification, error) {
	if r == nil || r.base == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return domain.Notification{}, errors.New("notification repository: id is required")
	}
	if strings.TrimSpace(notification.UserID) == "" {
		return domain.Notification{}, errors.New("notification repository: user id is required")
	}

	doc := newNotificationDocument(notification)
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.Notification{}, err
	}
	return doc.toDomain(id), nil
}

// List returns the user's notifications newest first.
func (r *NotificationRepository) List(ctx context.Context, userID string, filter repositories.NotificationListFilter) ([]domain.Notification, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("notification repository: user id is required")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		q := query.Where("userId", "==", uid)
		if filter.UnreadOnly {
			q = q.Where("read", "==", false)
		}
		return q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return decodeNotificationDocs(docs), nil
}

// CountUnread counts the user's unread notifications.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, errors.New("notification repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", uid).Where("read", "==", false)
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// MarkRead flips the read flag on a single notification owned by the user.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, notificationID string, now time.Time) (domain.Notification, error) {
	if r == nil || r.base == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	id := strings.TrimSpace(notificationID)
	if uid == "" || id == "" {
		return domain.Notification{}, errors.New("notification repository: user id and notification id are required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if doc.Data.UserID != uid {
		return domain.Notification{}, pfirestore.WrapError("notifications.markRead",
			status.Error(codes.NotFound, "notification does not belong to user"))
	}
	if doc.Data.Read {
		return doc.Data.toDomain(doc.ID), nil
	}

	updates := []firestore.Update{
		{Path: "read", Value: true},
		{Path: "readAt", Value: now.UTC()},
	}
	if _, err := r.base.Update(ctx, id, updates); err != nil {
		return domain.Notification{}, err
	}
	updated := doc.Data
	updated.Read = true
	return updated.toDomain(doc.ID), nil
}

// MarkAllRead flips the read flag on every unread notification for the user.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string, now time.Time) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, errors.New("notification repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", uid).Where("read", "==", false)
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	writer := client.BulkWriter(ctx)
	readAt := now.UTC()
	for _, doc := range docs {
		ref := client.Collection(notificationsCollection).Doc(doc.ID)
		if _, err := writer.Update(ref, []firestore.Update{
			{Path: "read", Value: true},
			{Path: "readAt", Value: readAt},
		}); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("notifications.markAllRead", err)
		}
	}
	writer.End()
	return len(docs), nil
}

// ListCreatedAfter returns notifications created strictly after the watermark,
// oldest first, for the streaming poll loop.
func (r *NotificationRepository) ListCreatedAfter(ctx context.Context, userID string, after time.Time, limit int) ([]domain.Notification, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("notification repository: user id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", uid).
			Where("createdAt", ">", after.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return decodeNotificationDocs(docs), nil
}

func decodeNotificationDocs(docs []pfirestore.Document[notificationDocument]) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(docs))
	for _, doc := range docs {
		notifications = append(notifications, doc.Data.toDomain(doc.ID))
	}
	return notifications
}

type notificationDocument struct {
	UserID    string     `firestore:"userId"`
	Type      string     `firestore:"type"`
	Title     string     `firestore:"title"`
	Message   string     `firestore:"message"`
	OrderID   int64      `firestore:"orderId,omitempty"`
	Read      bool       `firestore:"read"`
	ReadAt    *time.Time `firestore:"readAt,omitempty"`
	CreatedAt time.Time  `firestore:"createdAt"`
}

func newNotificationDocument(n domain.Notification) notificationDocument {
	return notificationDocument{
		UserID:    strings.TrimSpace(n.UserID),
		Type:      string(n.Type),
		Title:     strings.TrimSpace(n.Title),
		Message:   strings.TrimSpace(n.Message),
		OrderID:   n.OrderID,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

func (d notificationDocument) toDomain(id string) domain.Notification {
	return domain.Notification{
		ID:        id,
		UserID:    strings.TrimSpace(d.UserID),
		Type:      domain.NotificationType(d.Type),
		Title:     strings.TrimSpace(d.Title),
		Message:   strings.TrimSpace(d.Message),
		OrderID:   d.OrderID,
		Read:      d.Read,
		CreatedAt: d.CreatedAt,
	}
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)
