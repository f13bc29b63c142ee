package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/idempotency"
)

type stubVerifier struct {
	err   error
	calls int
}

func (s *stubVerifier) Verify(context.Context, string, []byte, string) error {
	s.calls++
	return s.err
}

type captureArchiver struct {
	payloads [][]byte
}

func (c *captureArchiver) ArchiveWebhookPayload(_ context.Context, _, _ string, payload []byte, _ time.Time) (string, error) {
	c.payloads = append(c.payloads, payload)
	return "webhooks/payload.json", nil
}

type reconcilerFixture struct {
	reconciler    WebhookReconciler
	orders        *memOrderRepo
	notifications *captureNotifications
	events        *captureOrderEvents
	verifier      *stubVerifier
	archiver      *captureArchiver
}

func newReconcilerFixture(t *testing.T, seed ...domain.Order) *reconcilerFixture {
	t.Helper()
	orders := newMemOrderRepo(seed...)
	notifications := &captureNotifications{}
	events := &captureOrderEvents{}
	verifier := &stubVerifier{}
	archiver := &captureArchiver{}

	orderFlow := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
		Events:   events,
	})

	reconciler, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Idempotency:   idempotency.NewMemoryStore(),
		Orders:        orders,
		OrderFlow:     orderFlow,
		Notifications: notifications,
		Verifier:      verifier,
		Archiver:      archiver,
		SecretNames: map[domain.WebhookSource]string{
			domain.WebhookSourcePayment:  "payment-webhook",
			domain.WebhookSourceShipping: "shipping-webhook",
		},
	})
	if err != nil {
		t.Fatalf("NewWebhookReconciler: %v", err)
	}

	return &reconcilerFixture{
		reconciler:    reconciler,
		orders:        orders,
		notifications: notifications,
		events:        events,
		verifier:      verifier,
		archiver:      archiver,
	}
}

func TestWebhookPaymentSettlement(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "settlement",
		RawPayload:     []byte(`{"transaction_status":"settlement","payment_type":"bank_transfer"}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	order := fx.orders.get(t, 42)
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", order.Status)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected PaidAt set")
	}
	if order.PaymentStatus != "settlement" {
		t.Fatalf("expected payment status persisted, got %q", order.PaymentStatus)
	}
	if len(fx.notifications.created) != 1 || fx.notifications.created[0].Type != domain.NotificationTypePaymentConfirmed {
		t.Fatalf("expected one payment notification, got %+v", fx.notifications.created)
	}
	if len(fx.archiver.payloads) != 1 {
		t.Fatalf("expected payload archived, got %d", len(fx.archiver.payloads))
	}
}

func TestWebhookDuplicateDeliveryAppliesOnce(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})
	cmd := WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "paid",
	}

	for i := 0; i < 3; i++ {
		if err := fx.reconciler.Handle(context.Background(), cmd); err != nil {
			t.Fatalf("Handle delivery %d: %v", i+1, err)
		}
	}

	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", got)
	}
	if len(fx.events.events) != 1 {
		t.Fatalf("expected exactly one transition, got %d", len(fx.events.events))
	}
	if len(fx.notifications.created) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(fx.notifications.created))
	}
}

func TestWebhookPickedUpMovesPaidOrderToPacked(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPaid})
	cmd := WebhookCommand{
		Source:         domain.WebhookSourceShipping,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "picked_up",
	}

	if err := fx.reconciler.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	order := fx.orders.get(t, 42)
	if order.Status != domain.OrderStatusPacked {
		t.Fatalf("expected packed after picked_up, got %s", order.Status)
	}
	if len(fx.notifications.created) != 1 {
		t.Fatalf("expected one shipping notification, got %d", len(fx.notifications.created))
	}

	// The carrier redelivers the same event; the order must not move again.
	if err := fx.reconciler.Handle(context.Background(), cmd); err != nil {
		t.Fatalf("Handle redelivery: %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPacked {
		t.Fatalf("expected packed after redelivery, got %s", got)
	}
	if len(fx.events.events) != 1 {
		t.Fatalf("expected exactly one transition, got %d", len(fx.events.events))
	}
	if len(fx.notifications.created) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(fx.notifications.created))
	}
}

func TestWebhookStaleDeliveryNoOps(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusShipped})

	// A late pickup report after the parcel is already in transit.
	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourceShipping,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "confirmed",
	})
	if err != nil {
		t.Fatalf("stale delivery must not error: %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusShipped {
		t.Fatalf("expected shipped unchanged, got %s", got)
	}
	if len(fx.notifications.created) != 0 {
		t.Fatalf("no notification expected for stale delivery")
	}
}

func TestWebhookDeliveredChainsThroughIntermediateStates(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPaid})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourceShipping,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "delivered",
		RawPayload:     []byte(`{"waybill_id":"WB-901"}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	order := fx.orders.get(t, 42)
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", order.Status)
	}
	if order.ShippingStatus != domain.ShippingStatusDelivered {
		t.Fatalf("expected shipping delivered, got %s", order.ShippingStatus)
	}
	if order.DeliveredAt == nil {
		t.Fatalf("expected DeliveredAt set")
	}
	if order.TrackingNumber != "WB-901" {
		t.Fatalf("expected tracking number persisted, got %q", order.TrackingNumber)
	}
	// paid -> packed -> shipped -> completed
	if len(fx.events.events) != 3 {
		t.Fatalf("expected 3 chained transitions, got %d", len(fx.events.events))
	}
	if len(fx.notifications.created) != 1 {
		t.Fatalf("one webhook yields one notification, got %d", len(fx.notifications.created))
	}
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})
	fx.verifier.err = errors.New("signature mismatch")

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "paid",
		RawPayload:     []byte(`{}`),
		Signature:      "deadbeef",
	})
	if !errors.Is(err, ErrWebhookInvalidSignature) {
		t.Fatalf("expected ErrWebhookInvalidSignature, got %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPendingPayment {
		t.Fatalf("order must not change on rejected signature, got %s", got)
	}
}

func TestWebhookMissingSignatureProceeds(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "paid",
	})
	if err != nil {
		t.Fatalf("unsigned delivery should proceed: %v", err)
	}
	if fx.verifier.calls != 0 {
		t.Fatalf("verifier must not run without a signature")
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", got)
	}
}

func TestWebhookOrderNotFound(t *testing.T) {
	fx := newReconcilerFixture(t)

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-404",
		ReportedStatus: "paid",
	})
	if !errors.Is(err, ErrWebhookOrderNotFound) {
		t.Fatalf("expected ErrWebhookOrderNotFound, got %v", err)
	}
}

func TestWebhookResolvesOrderFromPayload(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "txn_9f1c",
		ReportedStatus: "paid",
		RawPayload:     []byte(`{"order_id":"ORDER-42"}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", got)
	}
}

func TestWebhookExpiredPaymentCancels(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{
		ID:     42,
		UserID: "user-1",
		Status: domain.OrderStatusPendingPayment,
		Items:  []domain.OrderItem{{ProductID: "p-a", Quantity: kg("2")}},
	})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "expired",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	order := fx.orders.get(t, 42)
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if order.ShippingStatus != domain.ShippingStatusCancelled {
		t.Fatalf("expected shipping cancelled, got %s", order.ShippingStatus)
	}
}

func TestWebhookExpiredPaymentAfterSettlementNoOps(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusShipped})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "expired",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusShipped {
		t.Fatalf("shipped order must not be cancelled by a late expiry, got %s", got)
	}
}

func TestWebhookUnknownStatusIgnored(t *testing.T) {
	fx := newReconcilerFixture(t, domain.Order{ID: 42, UserID: "user-1", Status: domain.OrderStatusPendingPayment})

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    "ORDER-42",
		ReportedStatus: "chargeback_window_open",
	})
	if err != nil {
		t.Fatalf("unknown status must be ignored: %v", err)
	}
	if got := fx.orders.get(t, 42).Status; got != domain.OrderStatusPendingPayment {
		t.Fatalf("expected unchanged status, got %s", got)
	}
}

func TestWebhookUnsupportedSource(t *testing.T) {
	fx := newReconcilerFixture(t)

	err := fx.reconciler.Handle(context.Background(), WebhookCommand{
		Source:         "sms",
		ExternalRef:    "ORDER-42",
		ReportedStatus: "delivered",
	})
	if !errors.Is(err, ErrWebhookUnsupportedSource) {
		t.Fatalf("expected ErrWebhookUnsupportedSource, got %v", err)
	}
}

func TestParseOrderExternalRef(t *testing.T) {
	cases := []struct {
		ref  string
		want int64
		ok   bool
	}{
		{"ORDER-42", 42, true},
		{"order-42", 42, true},
		{" ORDER-7 ", 7, true},
		{"42", 42, true},
		{"ORDER-", 0, false},
		{"ORDER-0", 0, false},
		{"txn_9f1c", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseOrderExternalRef(tc.ref)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseOrderExternalRef(%q) = (%d, %v), want (%d, %v)", tc.ref, got, ok, tc.want, tc.ok)
		}
	}
}
