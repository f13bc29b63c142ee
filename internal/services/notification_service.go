package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

var (
	// ErrNotificationInvalidInput signals the caller provided invalid data.
	ErrNotificationInvalidInput = errors.New("notification: invalid input")
	// ErrNotificationNotFound indicates the notification could not be located for the user.
	ErrNotificationNotFound = errors.New("notification: not found")
)

const defaultNotificationListLimit = 50

// NotificationServiceDeps bundles collaborators required to construct the notification service.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	notifications repositories.NotificationRepository
	clock         func() time.Time
	idGenerator   func() string
	logger        func(context.Context, string, map[string]any)
}

// NewNotificationService wires dependencies into a concrete NotificationService implementation.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: notification repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator: idGen,
		logger:      logger,
	}, nil
}

func (s *notificationService) Create(ctx context.Context, cmd CreateNotificationCommand) (Notification, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Notification{}, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}
	if cmd.Type == "" {
		return Notification{}, fmt.Errorf("%w: type is required", ErrNotificationInvalidInput)
	}
	title := strings.TrimSpace(cmd.Title)
	if title == "" {
		return Notification{}, fmt.Errorf("%w: title is required", ErrNotificationInvalidInput)
	}

	notification := domain.Notification{
		ID:        s.idGenerator(),
		UserID:    uid,
		Type:      cmd.Type,
		Title:     title,
		Message:   strings.TrimSpace(cmd.Message),
		OrderID:   cmd.OrderID,
		Read:      false,
		CreatedAt: s.clock(),
	}

	created, err := s.notifications.Insert(ctx, notification)
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return created, nil
}

func (s *notificationService) List(ctx context.Context, cmd ListNotificationsCommand) ([]Notification, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}

	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultNotificationListLimit
	}

	items, err := s.notifications.List(ctx, uid, repositories.NotificationListFilter{
		UnreadOnly: cmd.UnreadOnly,
		Limit:      limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return items, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}

	count, err := s.notifications.CountUnread(ctx, uid)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return count, nil
}

func (s *notificationService) MarkRead(ctx context.Context, cmd MarkNotificationReadCommand) (Notification, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Notification{}, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}
	id := strings.TrimSpace(cmd.NotificationID)
	if id == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrNotificationInvalidInput)
	}

	updated, err := s.notifications.MarkRead(ctx, uid, id, s.clock())
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}

	updated, err := s.notifications.MarkAllRead(ctx, uid, s.clock())
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return updated, nil
}

// CreatedAfter returns notifications created strictly after the watermark,
// oldest first. The live delivery loop calls this once per poll interval.
func (s *notificationService) CreatedAfter(ctx context.Context, cmd NotificationsAfterCommand) ([]Notification, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}

	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultNotificationListLimit
	}

	items, err := s.notifications.ListCreatedAfter(ctx, uid, cmd.After, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return items, nil
}

func (s *notificationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotificationNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("notification: repository unavailable: %w", err)
		}
	}

	return err
}
