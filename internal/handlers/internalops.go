package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/platform/storage"
	"github.com/groundcycle/api/internal/services"
)

// InternalHandlers exposes operational endpoints for the ops console and
// scheduled jobs. Authentication is applied by the router's internal
// middleware group, not here.
type InternalHandlers struct {
	orders        services.OrderService
	archive       *storage.Client
	archiveBucket string
}

// NewInternalHandlers constructs the internal ops handler set. The archive
// client may be nil when payload archival is disabled.
func NewInternalHandlers(orders services.OrderService, archive *storage.Client, archiveBucket string) *InternalHandlers {
	return &InternalHandlers{
		orders:        orders,
		archive:       archive,
		archiveBucket: strings.TrimSpace(archiveBucket),
	}
}

// Routes registers internal endpoints on the router.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}/transition", h.transitionOrder)
	r.Get("/webhooks/archive", h.archiveDownloadURL)
}

func (h *InternalHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	// No user scope: ops may inspect any order.
	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type transitionRequest struct {
	TargetStatus string         `json:"target_status"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata"`
}

func (h *InternalHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxRequestBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var payload transitionRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	target := domain.OrderStatus(strings.TrimSpace(payload.TargetStatus))
	if _, known := validOrderStatuses[target]; !known {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown target status", http.StatusBadRequest))
		return
	}

	actor := "ops"
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok && identity.Subject != "" {
		actor = "ops:" + identity.Subject
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		ActorID:      actor,
		Reason:       strings.TrimSpace(payload.Reason),
		Metadata:     payload.Metadata,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type archiveURLResponse struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	ExpiresAt string `json:"expires_at"`
}

func (h *InternalHandlers) archiveDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.archive == nil || h.archiveBucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("archive_disabled", "payload archive is not configured", http.StatusServiceUnavailable))
		return
	}

	object := strings.TrimSpace(r.URL.Query().Get("object"))
	if object == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "object query parameter is required", http.StatusBadRequest))
		return
	}
	if !strings.HasPrefix(object, "webhooks/") || strings.Contains(object, "..") {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "object is outside the archive prefix", http.StatusBadRequest))
		return
	}

	result, err := h.archive.SignedDownloadURL(ctx, h.archiveBucket, object, storage.DownloadURLOptions{
		ResponseType: "application/json",
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_unavailable", "unable to sign archive url", http.StatusBadGateway))
		return
	}

	writeJSONResponse(w, http.StatusOK, archiveURLResponse{
		URL:       result.URL,
		Method:    result.Method,
		ExpiresAt: formatTime(result.ExpiresAt),
	})
}
