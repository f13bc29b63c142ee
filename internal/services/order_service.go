package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// The order lifecycle is a strict directed acyclic table. Transitions not
// listed here are rejected, including transitions to the current status.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusNew:            {domain.OrderStatusPendingPayment, domain.OrderStatusCancelled},
	domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:           {domain.OrderStatusPacked, domain.OrderStatusCancelled},
	domain.OrderStatusPacked:         {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:        {domain.OrderStatusCompleted},
	domain.OrderStatusCompleted:      {},
	domain.OrderStatusCancelled:      {},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusNew,
	domain.OrderStatusPendingPayment,
	domain.OrderStatusPaid,
	domain.OrderStatusPacked,
}

// orderStatusRank orders statuses along the forward progression so callers
// can tell a stale target from an advance. Cancelled sits outside the chain.
var orderStatusRank = map[domain.OrderStatus]int{
	domain.OrderStatusNew:            0,
	domain.OrderStatusPendingPayment: 1,
	domain.OrderStatusPaid:           2,
	domain.OrderStatusPacked:         3,
	domain.OrderStatusShipped:        4,
	domain.OrderStatusCompleted:      5,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        int64
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// PaymentRefunder reverses a captured payment when a paid order is cancelled.
type PaymentRefunder interface {
	RefundOrder(ctx context.Context, order Order, reason string) error
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Carts         repositories.CartRepository
	Products      repositories.ProductRepository
	Counters      repositories.CounterRepository
	Notifications NotificationService
	Refunder      PaymentRefunder
	Clock         func() time.Time
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	carts         repositories.CartRepository
	products      repositories.ProductRepository
	counters      repositories.CounterRepository
	notifications NotificationService
	refunder      PaymentRefunder
	clock         func() time.Time
	events        OrderEventPublisher
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		carts:         deps.Carts,
		products:      deps.Products,
		counters:      deps.Counters,
		notifications: deps.Notifications,
		refunder:      deps.Refunder,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

// Checkout converts the buyer's cart into an order. The order insert and the
// stock decrements are one atomic unit: any shortfall aborts the whole write
// and comes back as violations instead of a partial order.
func (s *orderService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return CheckoutResult{}, err
	}
	if cmd.ShippingFee < 0 {
		return CheckoutResult{}, fmt.Errorf("%w: shipping fee cannot be negative", ErrOrderInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return CheckoutResult{}, s.mapRepositoryError(err)
	}
	if len(cart.Entries) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
	}

	ids := make([]string, 0, len(cart.Entries))
	for _, entry := range cart.Entries {
		ids = append(ids, entry.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return CheckoutResult{}, s.mapRepositoryError(err)
	}

	now := s.now()
	currency := defaultCurrency
	items := make([]domain.OrderItem, 0, len(cart.Entries))
	decrements := make([]repositories.StockDecrement, 0, len(cart.Entries))
	var subtotal int64
	for _, entry := range cart.Entries {
		product := products[entry.ProductID]
		// Line items freeze the product snapshot at purchase time; the
		// repository transaction is the authority on whether stock suffices.
		item := domain.OrderItem{
			ProductID:  entry.ProductID,
			Title:      product.Title,
			UnitPrice:  product.UnitPrice,
			Quantity:   entry.Quantity,
			Unit:       product.Unit,
			CoffeeType: product.CoffeeType,
			Grind:      product.Grind,
			Condition:  product.Condition,
			ImagePath:  product.ImagePath,
		}
		if product.Currency != "" {
			currency = strings.ToUpper(product.Currency)
		}
		subtotal += lineTotal(product.UnitPrice, entry.Quantity)
		items = append(items, item)
		decrements = append(decrements, repositories.StockDecrement{
			ProductID: entry.ProductID,
			Quantity:  entry.Quantity,
		})
	}

	orderID, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return CheckoutResult{}, s.mapRepositoryError(err)
	}

	order := domain.Order{
		ID:              orderID,
		UserID:          uid,
		Status:          domain.OrderStatusNew,
		Subtotal:        subtotal,
		ShippingFee:     cmd.ShippingFee,
		Total:           subtotal + cmd.ShippingFee,
		Currency:        currency,
		ShippingAddress: cmd.ShippingAddress,
		CourierCompany:  strings.TrimSpace(cmd.CourierCompany),
		CourierService:  strings.TrimSpace(cmd.CourierService),
		ShippingStatus:  domain.ShippingStatusPending,
		Notes:           strings.TrimSpace(cmd.Notes),
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	result, err := s.orders.Create(ctx, order, decrements)
	if err != nil {
		return CheckoutResult{}, s.mapRepositoryError(err)
	}
	if len(result.Violations) > 0 {
		return CheckoutResult{Violations: result.Violations}, nil
	}

	// Cart clearing is best effort; the order is the source of truth now.
	if err := s.carts.Clear(ctx, uid); err != nil {
		s.logger(ctx, "order.cart.clear.failed", map[string]any{
			"orderId": orderID,
			"userId":  uid,
			"error":   err.Error(),
		})
	}

	s.notify(ctx, CreateNotificationCommand{
		UserID:  uid,
		Type:    domain.NotificationTypeOrderUpdate,
		Title:   "Order placed",
		Message: fmt.Sprintf("Order #%d has been created. Total %s.", orderID, formatAmount(currency, order.Total)),
		OrderID: orderID,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       orderID,
		UserID:        uid,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
	})

	return CheckoutResult{Order: result.Order}, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if uid := strings.TrimSpace(cmd.UserID); uid != "" && order.UserID != uid {
		return Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, cmd.OrderID)
	}

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) ([]Order, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	orders, err := s.orders.ListByUser(ctx, uid, repositories.OrderListFilter{
		Status: cmd.Status,
		Limit:  cmd.Limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

// TransitionStatus is the single writer of the status field. Every component
// that wants to move an order requests the transition here.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TargetStatus == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	prevStatus := order.Status

	if err := applyStatusTransition(&order, cmd.TargetStatus, now); err != nil {
		return Order{}, err
	}
	applyTransitionMetadata(&order, cmd.Metadata)

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	maps.Copy(metadata, cmd.Metadata)

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

// Cancel moves the order to cancelled and returns each line's quantity to
// stock in the same transaction. Paid orders get a best-effort refund.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if uid := strings.TrimSpace(cmd.UserID); uid != "" && order.UserID != uid {
		return Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, cmd.OrderID)
	}

	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
	}

	now := s.now()
	prevStatus := order.Status
	wasPaid := order.PaidAt != nil

	if err := applyStatusTransition(&order, domain.OrderStatusCancelled, now); err != nil {
		return Order{}, err
	}

	restocks := make([]repositories.StockDecrement, 0, len(order.Items))
	for _, item := range order.Items {
		restocks = append(restocks, repositories.StockDecrement{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	if err := s.orders.CancelWithRestock(ctx, order, restocks); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if wasPaid && s.refunder != nil {
		if err := s.refunder.RefundOrder(ctx, order, strings.TrimSpace(cmd.Reason)); err != nil {
			s.logger(ctx, "order.refund.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.notify(ctx, CreateNotificationCommand{
		UserID:  order.UserID,
		Type:    domain.NotificationTypeOrderUpdate,
		Title:   "Order cancelled",
		Message: fmt.Sprintf("Order #%d has been cancelled.", order.ID),
		OrderID: order.ID,
	})

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

// applyStatusTransition mutates the order through the transition table.
// Undefined transitions, including target == current, are rejected.
func applyStatusTransition(order *domain.Order, target domain.OrderStatus, now time.Time) error {
	current := order.Status
	if !canTransition(current, target) {
		return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current, target)
	}

	order.Status = target
	order.UpdatedAt = now
	applyTransitionSideEffects(order, target, now)
	return nil
}

func applyTransitionSideEffects(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippingStatus = domain.ShippingStatusShipped
	case domain.OrderStatusCompleted:
		order.ShippingStatus = domain.ShippingStatusDelivered
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.ShippingStatus = domain.ShippingStatusCancelled
	}
}

// applyTransitionMetadata persists gateway metadata riding along with a
// transition request (tracking numbers, payment references).
func applyTransitionMetadata(order *domain.Order, metadata map[string]any) {
	for key, value := range metadata {
		text, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "trackingNumber":
			order.TrackingNumber = text
		case "shipmentId":
			order.ShipmentID = text
		case "paymentStatus":
			order.PaymentStatus = text
		}
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// CanAdvanceTo reports whether target is strictly ahead of current on the
// forward progression. Used by reconciliation to distinguish stale events.
func CanAdvanceTo(current, target domain.OrderStatus) bool {
	currentRank, ok := orderStatusRank[current]
	if !ok {
		return false
	}
	targetRank, ok := orderStatusRank[target]
	if !ok {
		return false
	}
	return targetRank > currentRank
}

// NextStatusToward returns the single legal step from current in the
// direction of target, so callers can walk the chain one transition at a
// time without skipping table entries.
func NextStatusToward(current, target domain.OrderStatus) (domain.OrderStatus, bool) {
	if !CanAdvanceTo(current, target) {
		return "", false
	}
	for _, candidate := range orderStateTransitions[current] {
		if candidate == domain.OrderStatusCancelled {
			continue
		}
		if candidate == target || CanAdvanceTo(candidate, target) {
			return candidate, true
		}
	}
	return "", false
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) notify(ctx context.Context, cmd CreateNotificationCommand) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.Create(ctx, cmd); err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"orderId": cmd.OrderID,
			"type":    string(cmd.Type),
			"error":   err.Error(),
		})
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func validateShippingAddress(addr domain.Address) error {
	if strings.TrimSpace(addr.Recipient) == "" {
		return fmt.Errorf("%w: shipping recipient is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Street) == "" {
		return fmt.Errorf("%w: shipping street is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		return fmt.Errorf("%w: shipping postal code is required", ErrOrderInvalidInput)
	}
	return nil
}
