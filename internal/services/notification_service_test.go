package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

type memNotificationRepo struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (r *memNotificationRepo) Insert(_ context.Context, notification domain.Notification) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, notification)
	return notification, nil
}

func (r *memNotificationRepo) List(_ context.Context, userID string, filter repositories.NotificationListFilter) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, item := range r.items {
		if item.UserID != userID {
			continue
		}
		if filter.UnreadOnly && item.Read {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memNotificationRepo) CountUnread(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, item := range r.items {
		if item.UserID == userID && !item.Read {
			count++
		}
	}
	return count, nil
}

func (r *memNotificationRepo) MarkRead(_ context.Context, userID, notificationID string, _ time.Time) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.items {
		if item.UserID == userID && item.ID == notificationID {
			r.items[i].Read = true
			return r.items[i], nil
		}
	}
	return domain.Notification{}, repoNotFoundError{}
}

func (r *memNotificationRepo) MarkAllRead(_ context.Context, userID string, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for i, item := range r.items {
		if item.UserID == userID && !item.Read {
			r.items[i].Read = true
			updated++
		}
	}
	return updated, nil
}

func (r *memNotificationRepo) ListCreatedAfter(_ context.Context, userID string, after time.Time, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, item := range r.items {
		if item.UserID == userID && item.CreatedAt.After(after) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestNotificationService(t *testing.T, repo *memNotificationRepo, clock func() time.Time) NotificationService {
	t.Helper()
	svc, err := NewNotificationService(NotificationServiceDeps{
		Notifications: repo,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	return svc
}

func TestNotificationCreateAssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := &memNotificationRepo{}
	svc := newTestNotificationService(t, repo, func() time.Time { return now })

	created, err := svc.Create(context.Background(), CreateNotificationCommand{
		UserID:  "user-1",
		Type:    domain.NotificationTypeOrderUpdate,
		Title:   "Order placed",
		Message: "Order #42 has been created.",
		OrderID: 42,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !created.CreatedAt.Equal(now) {
		t.Fatalf("expected CreatedAt %v, got %v", now, created.CreatedAt)
	}
	if created.Read {
		t.Fatalf("new notifications start unread")
	}
}

func TestNotificationCreateValidation(t *testing.T) {
	svc := newTestNotificationService(t, &memNotificationRepo{}, nil)

	_, err := svc.Create(context.Background(), CreateNotificationCommand{
		UserID: "user-1",
		Type:   domain.NotificationTypeOrderUpdate,
	})
	if !errors.Is(err, ErrNotificationInvalidInput) {
		t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
	}
}

func TestNotificationReadFlow(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := &memNotificationRepo{}
	svc := newTestNotificationService(t, repo, func() time.Time { return now })

	ctx := context.Background()
	first, err := svc.Create(ctx, CreateNotificationCommand{UserID: "user-1", Type: domain.NotificationTypeOrderUpdate, Title: "one"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateNotificationCommand{UserID: "user-1", Type: domain.NotificationTypeOrderUpdate, Title: "two"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	count, err := svc.UnreadCount(ctx, "user-1")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 unread, got %d (%v)", count, err)
	}

	read, err := svc.MarkRead(ctx, MarkNotificationReadCommand{UserID: "user-1", NotificationID: first.ID})
	if err != nil || !read.Read {
		t.Fatalf("MarkRead failed: %+v %v", read, err)
	}

	count, err = svc.UnreadCount(ctx, "user-1")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 unread, got %d (%v)", count, err)
	}

	updated, err := svc.MarkAllRead(ctx, "user-1")
	if err != nil || updated != 1 {
		t.Fatalf("expected MarkAllRead to update 1, got %d (%v)", updated, err)
	}
}

func TestNotificationMarkReadUnknownID(t *testing.T) {
	svc := newTestNotificationService(t, &memNotificationRepo{}, nil)

	_, err := svc.MarkRead(context.Background(), MarkNotificationReadCommand{UserID: "user-1", NotificationID: "missing"})
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
}

func TestNotificationCreatedAfterWatermark(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	current := base
	repo := &memNotificationRepo{}
	svc := newTestNotificationService(t, repo, func() time.Time { return current })

	ctx := context.Background()
	for i, title := range []string{"one", "two", "three"} {
		current = base.Add(time.Duration(i) * time.Minute)
		if _, err := svc.Create(ctx, CreateNotificationCommand{UserID: "user-1", Type: domain.NotificationTypeOrderUpdate, Title: title}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	items, err := svc.CreatedAfter(ctx, NotificationsAfterCommand{UserID: "user-1", After: base})
	if err != nil {
		t.Fatalf("CreatedAfter: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 notifications after watermark, got %d", len(items))
	}
	if items[0].Title != "two" || items[1].Title != "three" {
		t.Fatalf("expected oldest-first ordering, got %+v", items)
	}
}
