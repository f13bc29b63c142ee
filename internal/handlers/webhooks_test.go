package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/services"
)

type stubReconciler struct {
	handleFn func(context.Context, services.WebhookCommand) error
	commands []services.WebhookCommand
}

func (s *stubReconciler) Handle(ctx context.Context, cmd services.WebhookCommand) error {
	s.commands = append(s.commands, cmd)
	if s.handleFn != nil {
		return s.handleFn(ctx, cmd)
	}
	return nil
}

func newWebhookRouter(reconciler services.WebhookReconciler) chi.Router {
	handler := NewWebhookHandlers(reconciler)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersPaymentDelivery(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newWebhookRouter(reconciler)

	body := `{"order_id":"ORDER-42","transaction_status":"settlement","gross_amount":"53000"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	req.Header.Set("X-Callback-Signature", "sig-abc")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(reconciler.commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(reconciler.commands))
	}
	cmd := reconciler.commands[0]
	if cmd.Source != domain.WebhookSourcePayment {
		t.Fatalf("expected payment source, got %s", cmd.Source)
	}
	if cmd.ExternalRef != "ORDER-42" || cmd.ReportedStatus != "settlement" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if cmd.Signature != "sig-abc" {
		t.Fatalf("expected signature forwarded, got %q", cmd.Signature)
	}
	if !strings.Contains(string(cmd.RawPayload), "gross_amount") {
		t.Fatal("expected raw payload forwarded")
	}

	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ack.Status != "ok" {
		t.Fatalf("expected ok ack, got %s", ack.Status)
	}
}

func TestWebhookHandlersShippingDelivery(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newWebhookRouter(reconciler)

	body := `{"reference_id":"ORDER-42","status":"delivered","courier_waybill_id":"WB-901"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shipping", strings.NewReader(body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	cmd := reconciler.commands[0]
	if cmd.Source != domain.WebhookSourceShipping {
		t.Fatalf("expected shipping source, got %s", cmd.Source)
	}
	if cmd.ExternalRef != "ORDER-42" || cmd.ReportedStatus != "delivered" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if cmd.Signature != "" {
		t.Fatalf("expected empty signature, got %q", cmd.Signature)
	}
}

func TestWebhookHandlersInvalidSignature(t *testing.T) {
	reconciler := &stubReconciler{
		handleFn: func(ctx context.Context, cmd services.WebhookCommand) error {
			return services.ErrWebhookInvalidSignature
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"order_id":"ORDER-42","transaction_status":"settlement"}`))
	req.Header.Set("X-Callback-Signature", "forged")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWebhookHandlersAbsorbsReconcileAnomalies(t *testing.T) {
	reconciler := &stubReconciler{
		handleFn: func(ctx context.Context, cmd services.WebhookCommand) error {
			return services.ErrWebhookOrderNotFound
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"order_id":"ORDER-9999","transaction_status":"settlement"}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for absorbed anomaly, got %d", rr.Code)
	}

	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ack.Status != "ignored" {
		t.Fatalf("expected ignored ack, got %s", ack.Status)
	}
}

func TestWebhookHandlersStoreFailureReturns5xx(t *testing.T) {
	reconciler := &stubReconciler{
		handleFn: func(ctx context.Context, cmd services.WebhookCommand) error {
			return fmt.Errorf("webhook: record delivery: %w", errors.New("firestore unavailable"))
		},
	}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"order_id":"ORDER-42","transaction_status":"settlement"}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// A failed write means the delivery was not recorded; the gateway must
	// see a retryable status, not an ack.
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 for store failure, got %d", rr.Code)
	}
}

func TestWebhookHandlersInvalidJSON(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newWebhookRouter(reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader("{not json"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if len(reconciler.commands) != 0 {
		t.Fatalf("expected no commands, got %d", len(reconciler.commands))
	}
}

func TestWebhookHandlersStatusFallback(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newWebhookRouter(reconciler)

	// Some gateways report via "status" instead of "transaction_status".
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"order_id":"ORDER-7","status":"expired"}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if reconciler.commands[0].ReportedStatus != "expired" {
		t.Fatalf("unexpected status: %s", reconciler.commands[0].ReportedStatus)
	}
}

func TestWebhookHandlersRateLimited(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newWebhookRouter(reconciler)

	body := `{"order_id":"ORDER-42","transaction_status":"pending"}`
	last := 0
	for i := 0; i < webhookRateLimit+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		last = rr.Code
	}

	if last != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 after exhausting the window, got %d", last)
	}
}
