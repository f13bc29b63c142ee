package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart                = domain.Cart
	CartEntry           = domain.CartEntry
	Product             = domain.Product
	StockViolation      = domain.StockViolation
	Order               = domain.Order
	OrderItem           = domain.OrderItem
	OrderStatus         = domain.OrderStatus
	Address             = domain.Address
	PaymentSession      = domain.PaymentSession
	PaymentStatusResult = domain.PaymentStatusResult
	ShippingRateQuote   = domain.ShippingRateQuote
	Shipment            = domain.Shipment
	Notification        = domain.Notification
	NotificationType    = domain.NotificationType
	WebhookSource       = domain.WebhookSource
	WebhookEvent        = domain.WebhookEvent
	SystemHealthReport  = domain.SystemHealthReport
)

// CartService manages mutable cart state while enforcing stock rules.
type CartService interface {
	GetCart(ctx context.Context, userID string) (CartView, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (CartView, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error)
	Clear(ctx context.Context, userID string) error
	Validate(ctx context.Context, userID string) ([]StockViolation, error)
}

// OrderService owns the order lifecycle: atomic creation from a cart, the
// status state machine, and cancellation with stock restoration.
type OrderService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) ([]Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// PaymentService creates gateway checkout sessions and reconciles payment
// state when polled directly.
type PaymentService interface {
	CreateSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSession, error)
	PollStatus(ctx context.Context, cmd PollPaymentStatusCommand) (PaymentStatusResult, error)
}

// ShippingService quotes carrier rates and books shipments for packed orders.
type ShippingService interface {
	GetRates(ctx context.Context, cmd GetRatesCommand) ([]ShippingRateQuote, error)
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error)
}

// WebhookReconciler is the idempotent ingestion point for asynchronous
// gateway callbacks. Duplicate, stale, and unmapped events are absorbed.
type WebhookReconciler interface {
	Handle(ctx context.Context, cmd WebhookCommand) error
}

// NotificationService persists notifications and serves the read surfaces
// backing live delivery.
type NotificationService interface {
	Create(ctx context.Context, cmd CreateNotificationCommand) (Notification, error)
	List(ctx context.Context, cmd ListNotificationsCommand) ([]Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, cmd MarkNotificationReadCommand) (Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	CreatedAfter(ctx context.Context, cmd NotificationsAfterCommand) ([]Notification, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

// CartView pairs stored cart entries with current product snapshots so the
// caller can render titles and prices without a second lookup.
type CartView struct {
	UserID    string
	Lines     []CartLine
	Subtotal  int64
	Currency  string
	UpdatedAt time.Time
}

// CartLine is one cart entry joined with its product.
type CartLine struct {
	ProductID string
	Title     string
	UnitPrice int64
	Quantity  decimal.Decimal
	Unit      string
	LineTotal int64
	ImagePath string
	Available decimal.Decimal
}

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  decimal.Decimal
}

type UpdateCartQuantityCommand struct {
	UserID    string
	ProductID string
	Quantity  decimal.Decimal
}

type RemoveCartItemCommand struct {
	UserID    string
	ProductID string
}

type CheckoutCommand struct {
	UserID          string
	ShippingAddress Address
	ShippingFee     int64
	CourierCompany  string
	CourierService  string
	Notes           string
}

// CheckoutResult reports either the created order or the stock violations
// that prevented it. Exactly one of the two is populated.
type CheckoutResult struct {
	Order      Order
	Violations []StockViolation
}

type GetOrderCommand struct {
	OrderID int64
	UserID  string
}

type ListOrdersCommand struct {
	UserID string
	Status []OrderStatus
	Limit  int
}

type OrderStatusTransitionCommand struct {
	OrderID      int64
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
	Metadata     map[string]any
}

type CancelOrderCommand struct {
	OrderID int64
	UserID  string
	Reason  string
}

type CreatePaymentSessionCommand struct {
	OrderID int64
	UserID  string
}

type PollPaymentStatusCommand struct {
	OrderID int64
	UserID  string
}

type GetRatesCommand struct {
	UserID            string
	DestinationAreaID string
	Destination       Address
}

type CreateShipmentCommand struct {
	OrderID int64
	ActorID string
}

type WebhookCommand struct {
	Source         WebhookSource
	ExternalRef    string
	ReportedStatus string
	RawPayload     []byte
	Signature      string
}

type CreateNotificationCommand struct {
	UserID  string
	Type    NotificationType
	Title   string
	Message string
	OrderID int64
}

type ListNotificationsCommand struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

type MarkNotificationReadCommand struct {
	UserID         string
	NotificationID string
}

type NotificationsAfterCommand struct {
	UserID string
	After  time.Time
	Limit  int
}

// OrderListFilter mirrors the repository filter for handler convenience.
type OrderListFilter = repositories.OrderListFilter
