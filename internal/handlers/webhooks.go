package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// Header carrying the gateway's payload signature. Both gateways sign the raw
// body; verification happens inside the reconciler so the handler stays thin.
const webhookSignatureHeader = "X-Callback-Signature"

const (
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

// WebhookHandlers ingests asynchronous gateway callbacks. Responses are
// intentionally terse: gateways only care about the status code, and anything
// the reconciler absorbs (duplicates, stale events, unknown orders) must still
// return 200 so the gateway stops retrying.
type WebhookHandlers struct {
	reconciler services.WebhookReconciler
	limiter    rateLimiter
}

// WebhookOption customises webhook handler construction.
type WebhookOption func(*webhookOptions)

type webhookOptions struct {
	ratePerMinute int
}

// WithWebhookRateLimit overrides the per-source request budget per minute.
func WithWebhookRateLimit(perMinute int) WebhookOption {
	return func(o *webhookOptions) {
		o.ratePerMinute = perMinute
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(reconciler services.WebhookReconciler, opts ...WebhookOption) *WebhookHandlers {
	options := webhookOptions{ratePerMinute: webhookRateLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.ratePerMinute <= 0 {
		options.ratePerMinute = webhookRateLimit
	}
	return &WebhookHandlers{
		reconciler: reconciler,
		limiter:    newSimpleRateLimiter(options.ratePerMinute, webhookRateWindow, time.Now),
	}
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.handle(domain.WebhookSourcePayment))
	r.Post("/shipping", h.handle(domain.WebhookSourceShipping))
}

// paymentNotification covers the payment gateway's callback shape. Unknown
// fields are ignored; the raw body is forwarded for archival and fallback
// order resolution.
type paymentNotification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	Status            string `json:"status"`
}

// shippingNotification covers the carrier aggregator's callback shape.
type shippingNotification struct {
	OrderID     string `json:"order_id"`
	ExternalID  string `json:"external_id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
}

func (h *WebhookHandlers) handle(source domain.WebhookSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.reconciler == nil {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
			return
		}
		if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
			return
		}

		body, err := readLimitedBody(r, maxWebhookBodySize)
		if err != nil {
			writeBodyError(ctx, w, err)
			return
		}

		externalRef, reportedStatus, ok := parseWebhookBody(source, body)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}

		err = h.reconciler.Handle(ctx, services.WebhookCommand{
			Source:         source,
			ExternalRef:    externalRef,
			ReportedStatus: reportedStatus,
			RawPayload:     body,
			Signature:      strings.TrimSpace(r.Header.Get(webhookSignatureHeader)),
		})
		switch {
		case err == nil:
			writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ok"})
		case errors.Is(err, services.ErrWebhookInvalidSignature):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		case errors.Is(err, services.ErrWebhookOrderNotFound),
			errors.Is(err, services.ErrWebhookInvalidInput),
			errors.Is(err, services.ErrWebhookUnsupportedSource):
			// Unknown orders and malformed references are operational
			// concerns, not the gateway's. Ack so it stops retrying.
			writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		default:
			// Store or repository failure. No effect was applied, so a 5xx
			// keeps the gateway's redelivery loop alive.
			httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "webhook processing failed, retry later", http.StatusInternalServerError))
		}
	}
}

func parseWebhookBody(source domain.WebhookSource, body []byte) (externalRef, reportedStatus string, ok bool) {
	switch source {
	case domain.WebhookSourcePayment:
		var note paymentNotification
		if err := json.Unmarshal(body, &note); err != nil {
			return "", "", false
		}
		status := strings.TrimSpace(note.TransactionStatus)
		if status == "" {
			status = strings.TrimSpace(note.Status)
		}
		return strings.TrimSpace(note.OrderID), status, true
	case domain.WebhookSourceShipping:
		var note shippingNotification
		if err := json.Unmarshal(body, &note); err != nil {
			return "", "", false
		}
		ref := strings.TrimSpace(note.ReferenceID)
		if ref == "" {
			ref = strings.TrimSpace(note.ExternalID)
		}
		if ref == "" {
			ref = strings.TrimSpace(note.OrderID)
		}
		return ref, strings.TrimSpace(note.Status), true
	default:
		return "", "", false
	}
}

type webhookAck struct {
	Status string `json:"status"`
}
