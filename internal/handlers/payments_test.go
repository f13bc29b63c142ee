package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/groundcycle/api/internal/services"
)

func newPaymentsRouter(payments services.PaymentService) chi.Router {
	handler := NewPaymentHandlers(nil, payments)
	router := chi.NewRouter()
	router.Route("/payments", handler.Routes)
	return router
}

func TestPaymentHandlersCreateSession(t *testing.T) {
	var captured services.CreatePaymentSessionCommand
	payments := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSession, error) {
			captured = cmd
			return services.PaymentSession{
				SessionID:   "sess_1",
				Token:       "tok_1",
				RedirectURL: "https://pay.example.com/sess_1",
				Provider:    "stripe",
				ExpiresAt:   time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	router := newPaymentsRouter(payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-session", `{"order_id":42}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != 42 || captured.UserID != "user-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp paymentSessionPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != 42 || resp.SessionID != "sess_1" || resp.Provider != "stripe" {
		t.Fatalf("unexpected payload: %#v", resp)
	}
}

func TestPaymentHandlersCreateSessionMissingOrder(t *testing.T) {
	router := newPaymentsRouter(&stubPaymentService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-session", `{}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPaymentHandlersCreateSessionGatewayDown(t *testing.T) {
	payments := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSession, error) {
			return services.PaymentSession{}, services.ErrPaymentGateway
		},
	}

	router := newPaymentsRouter(payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/payments/create-session", `{"order_id":42}`))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestPaymentHandlersStatus(t *testing.T) {
	settled := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var captured services.PollPaymentStatusCommand
	payments := &stubPaymentService{
		pollFn: func(ctx context.Context, cmd services.PollPaymentStatusCommand) (services.PaymentStatusResult, error) {
			captured = cmd
			return services.PaymentStatusResult{
				OrderID:     42,
				Status:      "paid",
				PaymentType: "bank_transfer",
				GrossAmount: 53000,
				SettledAt:   &settled,
			}, nil
		},
	}

	router := newPaymentsRouter(payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/payments/status?order_id=42", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != 42 || captured.UserID != "user-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp paymentStatusPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "paid" || resp.GrossAmount != 53000 {
		t.Fatalf("unexpected payload: %#v", resp)
	}
	if resp.SettledAt == "" {
		t.Fatal("expected settled timestamp")
	}
}

func TestPaymentHandlersStatusMissingParam(t *testing.T) {
	router := newPaymentsRouter(&stubPaymentService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/payments/status", ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPaymentHandlersStatusNoSession(t *testing.T) {
	payments := &stubPaymentService{
		pollFn: func(ctx context.Context, cmd services.PollPaymentStatusCommand) (services.PaymentStatusResult, error) {
			return services.PaymentStatusResult{}, services.ErrPaymentSessionNotFound
		},
	}

	router := newPaymentsRouter(payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/payments/status?order_id=42", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
