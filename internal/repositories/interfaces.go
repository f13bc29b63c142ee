package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/groundcycle/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Products() ProductRepository
	Notifications() NotificationRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockDecrement names one product quantity to subtract from the stock ledger.
type StockDecrement struct {
	ProductID string
	Quantity  decimal.Decimal
}

// OrderCreateResult reports the outcome of the transactional order insert.
// Violations is non-empty exactly when the insert was aborted because stock
// was insufficient for one or more lines; in that case nothing was persisted.
type OrderCreateResult struct {
	Order      domain.Order
	Violations []domain.StockViolation
}

// OrderRepository persists order headers with embedded line items.
type OrderRepository interface {
	// Create inserts the order and decrements stock for each line in one
	// transaction. Any stock shortfall aborts the whole write and is
	// returned as violations rather than an error.
	Create(ctx context.Context, order domain.Order, decrements []StockDecrement) (OrderCreateResult, error)
	Update(ctx context.Context, order domain.Order) error
	// CancelWithRestock persists the cancelled order and returns each line's
	// quantity to the stock ledger in one transaction.
	CancelWithRestock(ctx context.Context, order domain.Order, restocks []StockDecrement) error
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, filter OrderListFilter) ([]domain.Order, error)
}

// CartRepository owns the per-user cart document.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// ProductRepository reads catalog projections and adjusts the stock ledger.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// AdjustStock applies a signed delta to the product's on-hand quantity.
	AdjustStock(ctx context.Context, productID string, delta decimal.Decimal, now time.Time) (domain.Product, error)
}

// NotificationRepository stores the durable per-user notification log.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) (domain.Notification, error)
	List(ctx context.Context, userID string, filter NotificationListFilter) ([]domain.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, notificationID string, now time.Time) (domain.Notification, error)
	MarkAllRead(ctx context.Context, userID string, now time.Time) (int, error)
	// ListCreatedAfter returns notifications for the user created strictly
	// after the watermark, oldest first. Used by the streaming poll loop.
	ListCreatedAfter(ctx context.Context, userID string, after time.Time, limit int) ([]domain.Notification, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	Status []domain.OrderStatus
	Limit  int
}

type NotificationListFilter struct {
	UnreadOnly bool
	Limit      int
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
