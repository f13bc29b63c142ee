package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/services"
)

const (
	defaultNotificationLimit   = 50
	maxNotificationLimit       = 200
	defaultStreamPollInterval  = 3 * time.Second
	defaultStreamHeartbeat     = 25 * time.Second
	streamEventConnected       = "connected"
	streamEventUnreadCount     = "unread_count"
	streamEventNewNotification = "new_notification"
)

// NotificationStreamOptions tunes the live delivery loop. Zero values fall
// back to defaults.
type NotificationStreamOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// NotificationHandlers exposes the notification inbox and a streaming
// endpoint that pushes new notifications as line-delimited JSON.
type NotificationHandlers struct {
	authn         *auth.Authenticator
	notifications services.NotificationService
	pollInterval  time.Duration
	heartbeat     time.Duration
}

// NewNotificationHandlers constructs a new NotificationHandlers instance.
func NewNotificationHandlers(authn *auth.Authenticator, notifications services.NotificationService, opts NotificationStreamOptions) *NotificationHandlers {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultStreamPollInterval
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}
	return &NotificationHandlers{
		authn:         authn,
		notifications: notifications,
		pollInterval:  poll,
		heartbeat:     heartbeat,
	}
}

// Routes registers the /notifications endpoints. The stream endpoint performs
// its own token verification because streaming clients pass credentials via
// query parameter instead of the Authorization header.
func (h *NotificationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/stream", h.stream)
	r.Group(func(gr chi.Router) {
		if h.authn != nil {
			gr.Use(h.authn.RequireFirebaseAuth())
		}
		gr.Get("/", h.list)
		gr.Put("/{notificationID}/read", h.markRead)
		gr.Post("/read-all", h.markAllRead)
	})
}

func (h *NotificationHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := defaultNotificationLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case parsed <= 0:
			limit = defaultNotificationLimit
		case parsed > maxNotificationLimit:
			limit = maxNotificationLimit
		default:
			limit = parsed
		}
	}
	unreadOnly := false
	if raw := strings.TrimSpace(query.Get("unread_only")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unread_only must be a boolean", http.StatusBadRequest))
			return
		}
		unreadOnly = parsed
	}

	items, err := h.notifications.List(ctx, services.ListNotificationsCommand{
		UserID:     uid,
		UnreadOnly: unreadOnly,
		Limit:      limit,
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	unread, err := h.notifications.UnreadCount(ctx, uid)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	payloads := make([]notificationPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, buildNotificationPayload(item))
	}
	writeJSONResponse(w, http.StatusOK, notificationListResponse{
		Notifications: payloads,
		UnreadCount:   unread,
	})
}

func (h *NotificationHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	notificationID := strings.TrimSpace(chi.URLParam(r, "notificationID"))
	if notificationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification id is required", http.StatusBadRequest))
		return
	}

	updated, err := h.notifications.MarkRead(ctx, services.MarkNotificationReadCommand{
		UserID:         uid,
		NotificationID: notificationID,
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, notificationResponse{Notification: buildNotificationPayload(updated)})
}

func (h *NotificationHandlers) markAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	updated, err := h.notifications.MarkAllRead(ctx, uid)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, markAllReadResponse{Updated: updated})
}

func (h *NotificationHandlers) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := h.streamIdentity(ctx, w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "response writer does not support streaming", http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	_ = encoder.Encode(streamEvent{Type: streamEventConnected})
	watermark := time.Now().UTC()
	if unread, err := h.notifications.UnreadCount(ctx, uid); err == nil {
		_ = encoder.Encode(streamEvent{Type: streamEventUnreadCount, UnreadCount: &unread})
	}
	flusher.Flush()

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Comment line keeps intermediaries from closing the idle stream.
			if _, err := w.Write([]byte(":heartbeat\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			fresh, err := h.notifications.CreatedAfter(ctx, services.NotificationsAfterCommand{
				UserID: uid,
				After:  watermark,
			})
			if err != nil || len(fresh) == 0 {
				continue
			}
			for _, item := range fresh {
				payload := buildNotificationPayload(item)
				if err := encoder.Encode(streamEvent{Type: streamEventNewNotification, Notification: &payload}); err != nil {
					return
				}
				if item.CreatedAt.After(watermark) {
					watermark = item.CreatedAt
				}
			}
			if unread, err := h.notifications.UnreadCount(ctx, uid); err == nil {
				_ = encoder.Encode(streamEvent{Type: streamEventUnreadCount, UnreadCount: &unread})
			}
			flusher.Flush()
		}
	}
}

// streamIdentity accepts either the usual bearer header or a token query
// parameter, since EventSource-style clients cannot set headers.
func (h *NotificationHandlers) streamIdentity(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return strings.TrimSpace(identity.UID), true
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = strings.TrimSpace(parts[1])
			}
		}
	}
	if token == "" || h.authn == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}

	identity, err := h.authn.AuthenticateToken(ctx, token)
	if err != nil || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "token verification failed", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotificationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "unexpected error", http.StatusInternalServerError))
	}
}

type notificationListResponse struct {
	Notifications []notificationPayload `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

type notificationResponse struct {
	Notification notificationPayload `json:"notification"`
}

type markAllReadResponse struct {
	Updated int `json:"updated"`
}

type notificationPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	OrderID   int64  `json:"order_id,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

type streamEvent struct {
	Type         string               `json:"type"`
	UnreadCount  *int                 `json:"unread_count,omitempty"`
	Notification *notificationPayload `json:"notification,omitempty"`
}

func buildNotificationPayload(notification services.Notification) notificationPayload {
	return notificationPayload{
		ID:        notification.ID,
		Type:      string(notification.Type),
		Title:     notification.Title,
		Message:   notification.Message,
		OrderID:   notification.OrderID,
		Read:      notification.Read,
		CreatedAt: formatTime(notification.CreatedAt),
	}
}
