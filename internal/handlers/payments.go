package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/services"
)

const maxPaymentBodySize = 8 * 1024

// PaymentHandlers exposes checkout session creation and the polling fallback
// for when gateway webhooks are delayed.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/create-session", h.createSession)
	r.Get("/status", h.paymentStatus)
}

type createSessionRequest struct {
	OrderID int64 `json:"order_id"`
}

func (h *PaymentHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if req.OrderID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id must be a positive integer", http.StatusBadRequest))
		return
	}

	session, err := h.payments.CreateSession(ctx, services.CreatePaymentSessionCommand{
		OrderID: req.OrderID,
		UserID:  uid,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentSessionPayload(req.OrderID, session))
}

func (h *PaymentHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if raw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id query parameter is required", http.StatusBadRequest))
		return
	}
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || orderID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id must be a positive integer", http.StatusBadRequest))
		return
	}

	result, err := h.payments.PollStatus(ctx, services.PollPaymentStatusCommand{
		OrderID: orderID,
		UserID:  uid,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentStatusPayload{
		OrderID:       result.OrderID,
		Status:        result.Status,
		PaymentType:   result.PaymentType,
		GrossAmount:   result.GrossAmount,
		SettledAt:     formatTimePointer(result.SettledAt),
		RawStatusCode: result.RawStatusCode,
	})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_session_not_found", "order has no payment session", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed, retry later", http.StatusBadGateway))
	default:
		writeOrderError(ctx, w, err)
	}
}

type paymentSessionPayload struct {
	OrderID     int64  `json:"order_id"`
	SessionID   string `json:"session_id"`
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
	Provider    string `json:"provider,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type paymentStatusPayload struct {
	OrderID       int64  `json:"order_id"`
	Status        string `json:"status"`
	PaymentType   string `json:"payment_type,omitempty"`
	GrossAmount   int64  `json:"gross_amount,omitempty"`
	SettledAt     string `json:"settled_at,omitempty"`
	RawStatusCode string `json:"raw_status_code,omitempty"`
}

func buildPaymentSessionPayload(orderID int64, session services.PaymentSession) paymentSessionPayload {
	return paymentSessionPayload{
		OrderID:     orderID,
		SessionID:   session.SessionID,
		Token:       session.Token,
		RedirectURL: session.RedirectURL,
		Provider:    session.Provider,
		ExpiresAt:   formatTime(session.ExpiresAt),
	}
}
