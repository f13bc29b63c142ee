package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/storage"
	"github.com/groundcycle/api/internal/services"
)

type archiveTestSigner struct {
	email string
}

func (s *archiveTestSigner) Email() string {
	return s.email
}

func (s *archiveTestSigner) SignBytes(_ context.Context, _ []byte) ([]byte, error) {
	return []byte("signed"), nil
}

func newArchiveTestClient(t *testing.T, signer storage.Signer) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(signer)
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	return client
}

func newInternalRouter(orders *stubOrderService) chi.Router {
	r := chi.NewRouter()
	h := NewInternalHandlers(orders, nil, "")
	r.Route("/internal", h.Routes)
	return r
}

func TestInternalGetOrderIgnoresOwnership(t *testing.T) {
	var captured services.GetOrderCommand
	orders := &stubOrderService{
		getFn: func(_ context.Context, cmd services.GetOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(domain.OrderStatusPaid), nil
		},
	}
	router := newInternalRouter(orders)

	req := httptest.NewRequest(http.MethodGet, "/internal/orders/42", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != 42 {
		t.Fatalf("expected order id 42, got %d", captured.OrderID)
	}
	if captured.UserID != "" {
		t.Fatalf("expected empty user scope, got %q", captured.UserID)
	}
}

func TestInternalTransitionOrder(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(domain.OrderStatusShipped)
			return order, nil
		},
	}
	router := newInternalRouter(orders)

	body := `{"target_status":"shipped","reason":"carrier confirmed pickup","metadata":{"manifest":"MAN-7"}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/orders/42/transition", strings.NewReader(body))
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "ops-console"}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if captured.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("unexpected target status %q", captured.TargetStatus)
	}
	if captured.ActorID != "ops:ops-console" {
		t.Fatalf("unexpected actor %q", captured.ActorID)
	}
	if captured.Reason != "carrier confirmed pickup" {
		t.Fatalf("unexpected reason %q", captured.Reason)
	}
	if captured.Metadata["manifest"] != "MAN-7" {
		t.Fatalf("unexpected metadata %v", captured.Metadata)
	}
}

func TestInternalTransitionUnknownStatus(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			t.Fatal("transition should not be called")
			return services.Order{}, nil
		},
	}
	router := newInternalRouter(orders)

	req := httptest.NewRequest(http.MethodPost, "/internal/orders/42/transition", strings.NewReader(`{"target_status":"teleported"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInternalTransitionInvalidState(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}
	router := newInternalRouter(orders)

	req := httptest.NewRequest(http.MethodPost, "/internal/orders/42/transition", strings.NewReader(`{"target_status":"completed"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestInternalArchiveURLDisabled(t *testing.T) {
	router := newInternalRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/internal/webhooks/archive?object=webhooks%2Fpayment_gateway%2Fx.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestInternalArchiveURLValidatesObject(t *testing.T) {
	r := chi.NewRouter()
	signer := &archiveTestSigner{email: "test@example.iam.gserviceaccount.com"}
	client := newArchiveTestClient(t, signer)
	h := NewInternalHandlers(&stubOrderService{}, client, "archive-bucket")
	r.Route("/internal", h.Routes)

	for _, object := range []string{"", "assets/other.json", "webhooks/../secret"} {
		target := "/internal/webhooks/archive"
		if object != "" {
			target += "?object=" + object
		}
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("object %q: expected 400, got %d", object, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/webhooks/archive?object=webhooks/payment_gateway/2026/03/14/ORDER-42-1.json", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var payload archiveURLResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Method != "GET" || payload.URL == "" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}
