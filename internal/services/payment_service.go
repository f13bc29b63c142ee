package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/payments"
	"github.com/groundcycle/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentInvalidState indicates the order cannot accept a payment session in its current status.
	ErrPaymentInvalidState = errors.New("payment: order not payable")
	// ErrPaymentSessionNotFound indicates the order has no payment session to poll.
	ErrPaymentSessionNotFound = errors.New("payment: session not found")
	// ErrPaymentGateway wraps PSP-side failures.
	ErrPaymentGateway = errors.New("payment: gateway error")
)

const defaultSessionTTL = 24 * time.Hour

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders     repositories.OrderRepository
	OrderFlow  OrderService
	Gateway    *payments.Manager
	Reconciler WebhookReconciler
	SuccessURL string
	CancelURL  string
	SessionTTL time.Duration
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	orderFlow  OrderService
	gateway    *payments.Manager
	reconciler WebhookReconciler
	successURL string
	cancelURL  string
	sessionTTL time.Duration
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.OrderFlow == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment service: webhook reconciler is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return &paymentService{
		orders:     deps.Orders,
		orderFlow:  deps.OrderFlow,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		successURL: strings.TrimSpace(deps.SuccessURL),
		cancelURL:  strings.TrimSpace(deps.CancelURL),
		sessionTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSession issues (or reuses) a checkout session for the order. The
// gateway only accepts integer quantities, so fractional-weight lines are
// collapsed into a single priced line carrying the full order total.
func (s *paymentService) CreateSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSession, error) {
	if cmd.OrderID <= 0 {
		return PaymentSession{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orderFlow.GetOrder(ctx, GetOrderCommand{OrderID: cmd.OrderID, UserID: cmd.UserID})
	if err != nil {
		return PaymentSession{}, err
	}

	switch order.Status {
	case domain.OrderStatusNew, domain.OrderStatusPendingPayment:
	default:
		return PaymentSession{}, fmt.Errorf("%w: order status is %q", ErrPaymentInvalidState, order.Status)
	}

	now := s.clock()
	if session, ok := reusableSession(order, now); ok {
		return session, nil
	}

	checkout, err := s.gateway.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, payments.CheckoutSessionRequest{
		Amount:         order.Total,
		Currency:       order.Currency,
		CustomerID:     order.UserID,
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		IdempotencyKey: fmt.Sprintf("order-%d-checkout", order.ID),
		Metadata: map[string]string{
			"order_id": strconv.FormatInt(order.ID, 10),
			"user_id":  order.UserID,
		},
		Items: []payments.CheckoutLineItem{
			{
				Name:        fmt.Sprintf("Order #%d", order.ID),
				Description: describeOrderLines(order.Items),
				Quantity:    1,
				Amount:      order.Total,
				Currency:    order.Currency,
			},
		},
	})
	if err != nil {
		return PaymentSession{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	if order.Status == domain.OrderStatusNew {
		order, err = s.orderFlow.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusPendingPayment,
			ActorID:      order.UserID,
			Reason:       "payment session created",
		})
		if err != nil {
			return PaymentSession{}, err
		}
	}

	expiresAt := checkout.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.sessionTTL)
	}

	order.PaymentSessionID = checkout.ID
	order.PaymentToken = checkout.ClientSecret
	order.PaymentURL = checkout.RedirectURL
	order.PaymentStatus = string(payments.StatusPending)
	order.PaymentExpiresAt = &expiresAt
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		return PaymentSession{}, fmt.Errorf("payment: persist session: %w", err)
	}

	return PaymentSession{
		SessionID:   checkout.ID,
		Token:       checkout.ClientSecret,
		RedirectURL: checkout.RedirectURL,
		Provider:    checkout.Provider,
		ExpiresAt:   expiresAt,
	}, nil
}

// PollStatus queries the gateway for the order's payment state and feeds the
// result through the same reconciliation path webhooks take, so polling and
// webhooks can never disagree on the resulting transition.
func (s *paymentService) PollStatus(ctx context.Context, cmd PollPaymentStatusCommand) (PaymentStatusResult, error) {
	if cmd.OrderID <= 0 {
		return PaymentStatusResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orderFlow.GetOrder(ctx, GetOrderCommand{OrderID: cmd.OrderID, UserID: cmd.UserID})
	if err != nil {
		return PaymentStatusResult{}, err
	}
	if order.PaymentSessionID == "" {
		return PaymentStatusResult{}, fmt.Errorf("%w: order %d has no payment session", ErrPaymentSessionNotFound, order.ID)
	}

	details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{Currency: order.Currency}, payments.LookupRequest{
		SessionID: order.PaymentSessionID,
	})
	if err != nil {
		return PaymentStatusResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	reported := reportedPaymentStatus(details.Status)
	if err := s.reconciler.Handle(ctx, WebhookCommand{
		Source:         domain.WebhookSourcePayment,
		ExternalRef:    orderExternalRef(order.ID),
		ReportedStatus: reported,
	}); err != nil {
		// Polling must still surface the gateway state even when the
		// reconciliation step declines it (stale or already applied).
		s.logger(ctx, "payment.poll.reconcile.failed", map[string]any{
			"orderId": order.ID,
			"status":  reported,
			"error":   err.Error(),
		})
	}

	return PaymentStatusResult{
		OrderID:     order.ID,
		Status:      reported,
		SettledAt:   details.CapturedAt,
		GrossAmount: details.Amount,
	}, nil
}

func reusableSession(order domain.Order, now time.Time) (PaymentSession, bool) {
	if order.PaymentSessionID == "" || order.PaymentExpiresAt == nil {
		return PaymentSession{}, false
	}
	if !order.PaymentExpiresAt.After(now) {
		return PaymentSession{}, false
	}
	return PaymentSession{
		SessionID:   order.PaymentSessionID,
		Token:       order.PaymentToken,
		RedirectURL: order.PaymentURL,
		ExpiresAt:   *order.PaymentExpiresAt,
	}, true
}

// reportedPaymentStatus maps provider statuses onto the vocabulary the
// reconciliation tables understand.
func reportedPaymentStatus(status payments.Status) string {
	switch status {
	case payments.StatusSucceeded:
		return "paid"
	case payments.StatusExpired:
		return "expired"
	case payments.StatusFailed:
		return "failed"
	case payments.StatusRefunded:
		return "refunded"
	default:
		return "pending"
	}
}

func describeOrderLines(items []domain.OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s (%s)", item.Title, formatQuantity(item.Quantity, item.Unit)))
	}
	return strings.Join(parts, ", ")
}

// paymentRefunder adapts the PSP manager into the narrow refund hook the
// order service calls when cancelling a paid order. Kept separate from the
// payment service to avoid a construction cycle with the order service.
type paymentRefunder struct {
	gateway *payments.Manager
	logger  func(context.Context, string, map[string]any)
}

// NewPaymentRefunder builds the refund hook used during paid-order cancellation.
func NewPaymentRefunder(gateway *payments.Manager, logger func(context.Context, string, map[string]any)) (PaymentRefunder, error) {
	if gateway == nil {
		return nil, errors.New("payment refunder: gateway is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentRefunder{gateway: gateway, logger: logger}, nil
}

func (r *paymentRefunder) RefundOrder(ctx context.Context, order Order, reason string) error {
	if order.PaymentSessionID == "" {
		return fmt.Errorf("%w: order %d has no payment session", ErrPaymentSessionNotFound, order.ID)
	}

	details, err := r.gateway.LookupPayment(ctx, payments.PaymentContext{Currency: order.Currency}, payments.LookupRequest{
		SessionID: order.PaymentSessionID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if details.IntentID == "" {
		return fmt.Errorf("%w: order %d payment has no intent to refund", ErrPaymentGateway, order.ID)
	}

	if _, err := r.gateway.Refund(ctx, payments.PaymentContext{Currency: order.Currency}, payments.RefundRequest{
		IntentID:       details.IntentID,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("order-%d-refund", order.ID),
		Metadata: map[string]string{
			"order_id": strconv.FormatInt(order.ID, 10),
		},
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	r.logger(ctx, "payment.refund.issued", map[string]any{
		"orderId":  order.ID,
		"intentId": details.IntentID,
	})
	return nil
}
