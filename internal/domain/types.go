package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusNew indicates the order was created from a cart but no payment session exists yet.
	OrderStatusNew OrderStatus = "new"
	// OrderStatusPendingPayment indicates a payment session was issued and the order awaits settlement.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates payment settled and the order can be packed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPacked indicates the order has been packed and awaits carrier pickup.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusShipped indicates the carrier has the parcel in transit.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted indicates the parcel was delivered.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled before shipment.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ShippingStatus mirrors the coarse fulfilment state stored alongside the order status.
type ShippingStatus string

const (
	// ShippingStatusPending indicates no shipment has been created yet.
	ShippingStatusPending ShippingStatus = "pending"
	// ShippingStatusShipped indicates the parcel left the warehouse.
	ShippingStatusShipped ShippingStatus = "shipped"
	// ShippingStatusDelivered indicates the carrier confirmed delivery.
	ShippingStatusDelivered ShippingStatus = "delivered"
	// ShippingStatusCancelled indicates the shipment (or the order) was cancelled.
	ShippingStatusCancelled ShippingStatus = "cancelled"
)

// Address is the shipping destination snapshot stored on an order.
type Address struct {
	Recipient  string
	Phone      string
	Email      string
	Street     string
	City       string
	Province   string
	PostalCode string
	// AreaID is the carrier aggregator's area identifier used for rate lookups.
	AreaID string
}

// Order is the order header plus its frozen line items.
//
// Monetary fields are integer minor currency units. Total is computed once at
// creation as Subtotal+ShippingFee and never recomputed afterwards.
type Order struct {
	ID               int64
	UserID           string
	Status           OrderStatus
	Subtotal         int64
	ShippingFee      int64
	Total            int64
	Currency         string
	ShippingAddress  Address
	CourierCompany   string
	CourierService   string
	PaymentSessionID string
	PaymentToken     string
	PaymentURL       string
	PaymentStatus    string
	PaymentExpiresAt *time.Time
	ShipmentID       string
	TrackingNumber   string
	ShippingStatus   ShippingStatus
	Notes            string
	Items            []OrderItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	DeliveredAt      *time.Time
}

// OrderItem is an immutable snapshot of a product at checkout time. Later
// product edits never alter it.
type OrderItem struct {
	ProductID  string
	Title      string
	UnitPrice  int64
	Quantity   decimal.Decimal
	Unit       string
	CoffeeType string
	Grind      string
	Condition  string
	ImagePath  string
}

// CartEntry stores one product line in a user's cart. Quantity is a weight in
// the product's unit (kilograms for spent grounds).
type CartEntry struct {
	ProductID string
	Quantity  decimal.Decimal
	AddedAt   time.Time
	UpdatedAt time.Time
}

// Cart aggregates a user's cart entries.
type Cart struct {
	UserID    string
	Entries   []CartEntry
	UpdatedAt time.Time
}

// Product is the catalog projection the order engine needs: price, stock and
// the descriptive fields frozen into order items.
type Product struct {
	ID         string
	SellerID   string
	Title      string
	UnitPrice  int64
	Currency   string
	Unit       string
	Stock      decimal.Decimal
	CoffeeType string
	Grind      string
	Condition  string
	ImagePath  string
	Active     bool
	UpdatedAt  time.Time
}

// StockViolation describes one cart line whose requested quantity exceeds the
// available stock. Violations are data, not errors.
type StockViolation struct {
	ProductID string
	Title     string
	Requested decimal.Decimal
	Available decimal.Decimal
}

// PaymentSession is the PSP checkout session handed back to the client.
type PaymentSession struct {
	SessionID   string
	Token       string
	RedirectURL string
	Provider    string
	ExpiresAt   time.Time
}

// PaymentStatusResult captures a gateway-side status query for an order.
type PaymentStatusResult struct {
	OrderID       int64
	Status        string
	PaymentType   string
	SettledAt     *time.Time
	GrossAmount   int64
	RawStatusCode string
}

// ShippingRateQuote is one courier service option priced for a destination.
type ShippingRateQuote struct {
	CourierCompany string
	CourierService string
	ServiceName    string
	Description    string
	Price          int64
	EstimatedDays  string
}

// Shipment stores carrier-side references after a shipping order is created.
type Shipment struct {
	ShipmentID     string
	TrackingNumber string
	CourierCompany string
	CourierService string
	Status         string
	CreatedAt      time.Time
}

// NotificationType enumerates notification categories shown to buyers.
type NotificationType string

const (
	// NotificationTypeOrderUpdate covers generic order lifecycle changes.
	NotificationTypeOrderUpdate NotificationType = "order_update"
	// NotificationTypePaymentConfirmed is emitted when payment settles.
	NotificationTypePaymentConfirmed NotificationType = "payment_confirmed"
	// NotificationTypeShipmentReady is emitted when the parcel is handed to the carrier.
	NotificationTypeShipmentReady NotificationType = "shipment_ready"
)

// Notification is one entry in a user's durable notification log.
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	OrderID   int64
	Read      bool
	CreatedAt time.Time
}

// WebhookSource identifies which gateway a webhook event came from.
type WebhookSource string

const (
	// WebhookSourcePayment marks events from the payment gateway.
	WebhookSourcePayment WebhookSource = "payment"
	// WebhookSourceShipping marks events from the shipping aggregator.
	WebhookSourceShipping WebhookSource = "shipping"
)

// WebhookEvent is the write-once record that makes webhook processing
// idempotent. The idempotency key derives from (Source, ExternalRef, Status).
type WebhookEvent struct {
	Source      WebhookSource
	ExternalRef string
	Status      string
	OrderID     int64
	ReceivedAt  time.Time
	ExpiresAt   time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
