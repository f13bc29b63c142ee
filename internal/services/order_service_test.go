package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

// memOrderRepo keeps orders in memory so services under test share state.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[int64]domain.Order

	createFn func(context.Context, domain.Order, []repositories.StockDecrement) (repositories.OrderCreateResult, error)
	restocks [][]repositories.StockDecrement
	updates  int
}

func newMemOrderRepo(seed ...domain.Order) *memOrderRepo {
	repo := &memOrderRepo{orders: make(map[int64]domain.Order)}
	for _, order := range seed {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memOrderRepo) Create(ctx context.Context, order domain.Order, decrements []repositories.StockDecrement) (repositories.OrderCreateResult, error) {
	if r.createFn != nil {
		return r.createFn(ctx, order, decrements)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
	return repositories.OrderCreateResult{Order: order}, nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return repoNotFoundError{}
	}
	r.orders[order.ID] = order
	r.updates++
	return nil
}

func (r *memOrderRepo) CancelWithRestock(_ context.Context, order domain.Order, restocks []repositories.StockDecrement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
	r.restocks = append(r.restocks, restocks)
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repoNotFoundError{}
	}
	return order, nil
}

func (r *memOrderRepo) ListByUser(_ context.Context, userID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (r *memOrderRepo) get(t *testing.T, orderID int64) domain.Order {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		t.Fatalf("order %d not stored", orderID)
	}
	return order
}

type repoNotFoundError struct{}

func (repoNotFoundError) Error() string       { return "not found" }
func (repoNotFoundError) IsNotFound() bool    { return true }
func (repoNotFoundError) IsConflict() bool    { return false }
func (repoNotFoundError) IsUnavailable() bool { return false }

type stubCartRepo struct {
	cart     domain.Cart
	getErr   error
	upsertFn func(context.Context, domain.Cart) (domain.Cart, error)
	cleared  []string
	clearErr error
}

func (s *stubCartRepo) Get(context.Context, string) (domain.Cart, error) {
	if s.getErr != nil {
		return domain.Cart{}, s.getErr
	}
	return s.cart, nil
}

func (s *stubCartRepo) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cart)
	}
	s.cart = cart
	return cart, nil
}

func (s *stubCartRepo) Clear(_ context.Context, userID string) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	s.cleared = append(s.cleared, userID)
	s.cart = domain.Cart{UserID: userID}
	return nil
}

type stubProductRepo struct {
	products map[string]domain.Product
}

func (s *stubProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repoNotFoundError{}
	}
	return product, nil
}

func (s *stubProductRepo) FindByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (s *stubProductRepo) AdjustStock(_ context.Context, productID string, delta decimal.Decimal, _ time.Time) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repoNotFoundError{}
	}
	product.Stock = product.Stock.Add(delta)
	s.products[productID] = product
	return product, nil
}

type stubCounterRepo struct {
	next   int64
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	s.next++
	return s.next, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

// captureNotifications records Create calls and stubs the read paths.
type captureNotifications struct {
	created []CreateNotificationCommand
	err     error
}

func (c *captureNotifications) Create(_ context.Context, cmd CreateNotificationCommand) (Notification, error) {
	if c.err != nil {
		return Notification{}, c.err
	}
	c.created = append(c.created, cmd)
	return Notification{ID: "n1", UserID: cmd.UserID, Type: cmd.Type}, nil
}

func (c *captureNotifications) List(context.Context, ListNotificationsCommand) ([]Notification, error) {
	return nil, nil
}

func (c *captureNotifications) UnreadCount(context.Context, string) (int, error) { return 0, nil }

func (c *captureNotifications) MarkRead(context.Context, MarkNotificationReadCommand) (Notification, error) {
	return Notification{}, nil
}

func (c *captureNotifications) MarkAllRead(context.Context, string) (int, error) { return 0, nil }

func (c *captureNotifications) CreatedAfter(context.Context, NotificationsAfterCommand) ([]Notification, error) {
	return nil, nil
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureRefunder struct {
	refunded []int64
	err      error
}

func (c *captureRefunder) RefundOrder(_ context.Context, order Order, _ string) error {
	if c.err != nil {
		return c.err
	}
	c.refunded = append(c.refunded, order.ID)
	return nil
}

func kg(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func testAddress() domain.Address {
	return domain.Address{
		Recipient:  "Dewi Lestari",
		Phone:      "+6281234567890",
		Street:     "Jl. Kemang Raya 12",
		City:       "Jakarta Selatan",
		PostalCode: "12730",
		AreaID:     "IDNP6IDNC148",
	}
}

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time {
			return time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
		}
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestCheckoutCreatesOrderFromCart(t *testing.T) {
	ctx := context.Background()
	orders := newMemOrderRepo()
	carts := &stubCartRepo{cart: domain.Cart{
		UserID: "user-1",
		Entries: []domain.CartEntry{
			{ProductID: "p-arabica", Quantity: kg("2.5")},
			{ProductID: "p-robusta", Quantity: kg("1")},
		},
	}}
	products := &stubProductRepo{products: map[string]domain.Product{
		"p-arabica": {ID: "p-arabica", Title: "Arabica grounds", UnitPrice: 12000, Currency: "IDR", Unit: "kg", Stock: kg("10"), Active: true},
		"p-robusta": {ID: "p-robusta", Title: "Robusta grounds", UnitPrice: 8000, Currency: "IDR", Unit: "kg", Stock: kg("4"), Active: true},
	}}
	notifications := &captureNotifications{}
	events := &captureOrderEvents{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:        orders,
		Carts:         carts,
		Products:      products,
		Counters:      &stubCounterRepo{next: 41},
		Notifications: notifications,
		Events:        events,
	})

	result, err := svc.Checkout(ctx, CheckoutCommand{
		UserID:          "user-1",
		ShippingAddress: testAddress(),
		ShippingFee:     15000,
		CourierCompany:  "jne",
		CourierService:  "reg",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("unexpected violations: %+v", result.Violations)
	}

	order := result.Order
	if order.ID != 42 {
		t.Fatalf("expected order id 42, got %d", order.ID)
	}
	if order.Status != domain.OrderStatusNew {
		t.Fatalf("expected status new, got %s", order.Status)
	}
	// 2.5 kg * 12000 + 1 kg * 8000
	if order.Subtotal != 38000 {
		t.Fatalf("expected subtotal 38000, got %d", order.Subtotal)
	}
	if order.Total != 53000 {
		t.Fatalf("expected total 53000, got %d", order.Total)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if order.Items[0].Title != "Arabica grounds" || !order.Items[0].Quantity.Equal(kg("2.5")) {
		t.Fatalf("unexpected first item %+v", order.Items[0])
	}

	if len(carts.cleared) != 1 || carts.cleared[0] != "user-1" {
		t.Fatalf("expected cart cleared for user-1, got %v", carts.cleared)
	}
	if len(notifications.created) != 1 || notifications.created[0].OrderID != 42 {
		t.Fatalf("expected one order notification, got %+v", notifications.created)
	}
	if len(events.events) != 1 || events.events[0].Type != orderEventCreated {
		t.Fatalf("expected one created event, got %+v", events.events)
	}
}

func TestCheckoutStockViolationPersistsNothing(t *testing.T) {
	ctx := context.Background()
	orders := newMemOrderRepo()
	orders.createFn = func(_ context.Context, order domain.Order, decrements []repositories.StockDecrement) (repositories.OrderCreateResult, error) {
		// Product B has no stock: the transactional insert aborts and
		// reports the shortfall without persisting anything.
		return repositories.OrderCreateResult{Violations: []domain.StockViolation{
			{ProductID: "p-b", Title: "Decaf grounds", Requested: kg("1"), Available: kg("0")},
		}}, nil
	}
	carts := &stubCartRepo{cart: domain.Cart{
		UserID: "user-1",
		Entries: []domain.CartEntry{
			{ProductID: "p-a", Quantity: kg("3")},
			{ProductID: "p-b", Quantity: kg("1")},
		},
	}}
	products := &stubProductRepo{products: map[string]domain.Product{
		"p-a": {ID: "p-a", Title: "House blend grounds", UnitPrice: 9000, Unit: "kg", Stock: kg("5"), Active: true},
		"p-b": {ID: "p-b", Title: "Decaf grounds", UnitPrice: 7000, Unit: "kg", Stock: kg("0"), Active: true},
	}}
	notifications := &captureNotifications{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:        orders,
		Carts:         carts,
		Products:      products,
		Counters:      &stubCounterRepo{},
		Notifications: notifications,
	})

	result, err := svc.Checkout(ctx, CheckoutCommand{UserID: "user-1", ShippingAddress: testAddress()})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", result.Violations)
	}
	if result.Violations[0].ProductID != "p-b" {
		t.Fatalf("expected violation for p-b, got %s", result.Violations[0].ProductID)
	}
	if result.Order.ID != 0 {
		t.Fatalf("expected no order, got %+v", result.Order)
	}
	if len(orders.orders) != 0 {
		t.Fatalf("expected nothing persisted, got %d orders", len(orders.orders))
	}
	if len(carts.cleared) != 0 {
		t.Fatalf("cart must not be cleared on violation")
	}
	if len(notifications.created) != 0 {
		t.Fatalf("no notification expected on violation")
	}
}

func TestCheckoutEmptyCartRejected(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   newMemOrderRepo(),
		Carts:    &stubCartRepo{cart: domain.Cart{UserID: "user-1"}},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	_, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", ShippingAddress: testAddress()})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestCheckoutCartClearFailureIsNotFatal(t *testing.T) {
	orders := newMemOrderRepo()
	carts := &stubCartRepo{
		cart: domain.Cart{
			UserID:  "user-1",
			Entries: []domain.CartEntry{{ProductID: "p-a", Quantity: kg("1")}},
		},
		clearErr: errors.New("firestore down"),
	}
	products := &stubProductRepo{products: map[string]domain.Product{
		"p-a": {ID: "p-a", Title: "Grounds", UnitPrice: 5000, Unit: "kg", Stock: kg("5"), Active: true},
	}}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    carts,
		Products: products,
		Counters: &stubCounterRepo{},
	})

	result, err := svc.Checkout(context.Background(), CheckoutCommand{UserID: "user-1", ShippingAddress: testAddress()})
	if err != nil {
		t.Fatalf("Checkout should succeed despite cart clear failure: %v", err)
	}
	if result.Order.ID == 0 {
		t.Fatalf("expected order to be created")
	}
}

func TestTransitionTableCompleteness(t *testing.T) {
	allowed := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusNew:            {domain.OrderStatusPendingPayment, domain.OrderStatusCancelled},
		domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
		domain.OrderStatusPaid:           {domain.OrderStatusPacked, domain.OrderStatusCancelled},
		domain.OrderStatusPacked:         {domain.OrderStatusShipped, domain.OrderStatusCancelled},
		domain.OrderStatusShipped:        {domain.OrderStatusCompleted},
		domain.OrderStatusCompleted:      {},
		domain.OrderStatusCancelled:      {},
	}
	statuses := []domain.OrderStatus{
		domain.OrderStatusNew,
		domain.OrderStatusPendingPayment,
		domain.OrderStatusPaid,
		domain.OrderStatusPacked,
		domain.OrderStatusShipped,
		domain.OrderStatusCompleted,
		domain.OrderStatusCancelled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := canTransition(from, to); got != want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
		// A status never transitions to itself.
		if canTransition(from, from) {
			t.Errorf("canTransition(%s, %s) must be false", from, from)
		}
	}
}

func TestTransitionStatusSideEffects(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		from   domain.OrderStatus
		to     domain.OrderStatus
		verify func(*testing.T, domain.Order)
	}{
		{
			name: "paid records settlement time",
			from: domain.OrderStatusPendingPayment,
			to:   domain.OrderStatusPaid,
			verify: func(t *testing.T, order domain.Order) {
				if order.PaidAt == nil || !order.PaidAt.Equal(now) {
					t.Fatalf("expected PaidAt %v, got %v", now, order.PaidAt)
				}
			},
		},
		{
			name: "shipped updates shipping status",
			from: domain.OrderStatusPacked,
			to:   domain.OrderStatusShipped,
			verify: func(t *testing.T, order domain.Order) {
				if order.ShippingStatus != domain.ShippingStatusShipped {
					t.Fatalf("expected shipping status shipped, got %s", order.ShippingStatus)
				}
			},
		},
		{
			name: "completed records delivery",
			from: domain.OrderStatusShipped,
			to:   domain.OrderStatusCompleted,
			verify: func(t *testing.T, order domain.Order) {
				if order.ShippingStatus != domain.ShippingStatusDelivered {
					t.Fatalf("expected shipping status delivered, got %s", order.ShippingStatus)
				}
				if order.DeliveredAt == nil || !order.DeliveredAt.Equal(now) {
					t.Fatalf("expected DeliveredAt %v, got %v", now, order.DeliveredAt)
				}
			},
		},
		{
			name: "cancelled cancels shipping",
			from: domain.OrderStatusPaid,
			to:   domain.OrderStatusCancelled,
			verify: func(t *testing.T, order domain.Order) {
				if order.ShippingStatus != domain.ShippingStatusCancelled {
					t.Fatalf("expected shipping status cancelled, got %s", order.ShippingStatus)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := newMemOrderRepo(domain.Order{ID: 7, UserID: "user-1", Status: tc.from})
			events := &captureOrderEvents{}
			svc := newTestOrderService(t, OrderServiceDeps{
				Orders:   orders,
				Carts:    &stubCartRepo{},
				Products: &stubProductRepo{},
				Counters: &stubCounterRepo{},
				Events:   events,
				Clock:    func() time.Time { return now },
			})

			updated, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
				OrderID:      7,
				TargetStatus: tc.to,
			})
			if err != nil {
				t.Fatalf("TransitionStatus: %v", err)
			}
			if updated.Status != tc.to {
				t.Fatalf("expected status %s, got %s", tc.to, updated.Status)
			}
			tc.verify(t, updated)
			tc.verify(t, orders.get(t, 7))

			if len(events.events) != 1 || events.events[0].Type != orderEventStatusChanged {
				t.Fatalf("expected one status event, got %+v", events.events)
			}
			if events.events[0].PreviousStatus != string(tc.from) {
				t.Fatalf("expected previous %s, got %s", tc.from, events.events[0].PreviousStatus)
			}
		})
	}
}

func TestTransitionStatusRejectsRegression(t *testing.T) {
	orders := newMemOrderRepo(domain.Order{ID: 7, UserID: "user-1", Status: domain.OrderStatusShipped})
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      7,
		TargetStatus: domain.OrderStatusPaid,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if orders.get(t, 7).Status != domain.OrderStatusShipped {
		t.Fatalf("status must not change on rejection")
	}
}

func TestTransitionStatusPersistsMetadata(t *testing.T) {
	orders := newMemOrderRepo(domain.Order{ID: 7, UserID: "user-1", Status: domain.OrderStatusPaid})
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	updated, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      7,
		TargetStatus: domain.OrderStatusPacked,
		Metadata: map[string]any{
			"shipmentId":     "shp_123",
			"trackingNumber": "WB-555",
		},
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if updated.ShipmentID != "shp_123" || updated.TrackingNumber != "WB-555" {
		t.Fatalf("expected carrier metadata persisted, got %+v", updated)
	}
}

func TestCancelRestocksAndRefunds(t *testing.T) {
	paidAt := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	orders := newMemOrderRepo(domain.Order{
		ID:     9,
		UserID: "user-1",
		Status: domain.OrderStatusPaid,
		PaidAt: &paidAt,
		Items: []domain.OrderItem{
			{ProductID: "p-a", Quantity: kg("2.5")},
			{ProductID: "p-b", Quantity: kg("1")},
		},
	})
	refunder := &captureRefunder{}
	notifications := &captureNotifications{}

	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:        orders,
		Carts:         &stubCartRepo{},
		Products:      &stubProductRepo{},
		Counters:      &stubCounterRepo{},
		Notifications: notifications,
		Refunder:      refunder,
	})

	cancelled, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: 9, UserID: "user-1", Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if len(orders.restocks) != 1 || len(orders.restocks[0]) != 2 {
		t.Fatalf("expected restock for both lines, got %+v", orders.restocks)
	}
	if !orders.restocks[0][0].Quantity.Equal(kg("2.5")) {
		t.Fatalf("restock must return the ordered quantity, got %s", orders.restocks[0][0].Quantity)
	}
	if len(refunder.refunded) != 1 || refunder.refunded[0] != 9 {
		t.Fatalf("expected refund for order 9, got %v", refunder.refunded)
	}
	if len(notifications.created) != 1 {
		t.Fatalf("expected one cancellation notification, got %+v", notifications.created)
	}
}

func TestCheckoutAndCancelConserveStock(t *testing.T) {
	ctx := context.Background()
	initial := map[string]decimal.Decimal{
		"p-arabica": kg("10"),
		"p-robusta": kg("6"),
	}
	products := &stubProductRepo{products: map[string]domain.Product{
		"p-arabica": {ID: "p-arabica", Title: "Arabica grounds", UnitPrice: 12000, Unit: "kg", Stock: initial["p-arabica"], Active: true},
		"p-robusta": {ID: "p-robusta", Title: "Robusta grounds", UnitPrice: 8000, Unit: "kg", Stock: initial["p-robusta"], Active: true},
	}}

	orders := newMemOrderRepo()
	decremented := map[string]decimal.Decimal{}
	orders.createFn = func(_ context.Context, order domain.Order, decrements []repositories.StockDecrement) (repositories.OrderCreateResult, error) {
		for _, dec := range decrements {
			if _, err := products.AdjustStock(ctx, dec.ProductID, dec.Quantity.Neg(), time.Time{}); err != nil {
				return repositories.OrderCreateResult{}, err
			}
			decremented[dec.ProductID] = decremented[dec.ProductID].Add(dec.Quantity)
		}
		orders.orders[order.ID] = order
		return repositories.OrderCreateResult{Order: order}, nil
	}

	carts := &stubCartRepo{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    carts,
		Products: products,
		Counters: &stubCounterRepo{},
	})

	checkouts := [][]domain.CartEntry{
		{{ProductID: "p-arabica", Quantity: kg("2.5")}, {ProductID: "p-robusta", Quantity: kg("1")}},
		{{ProductID: "p-arabica", Quantity: kg("4")}},
		{{ProductID: "p-robusta", Quantity: kg("2")}},
	}
	var created []int64
	for _, entries := range checkouts {
		carts.cart = domain.Cart{UserID: "user-1", Entries: entries}
		result, err := svc.Checkout(ctx, CheckoutCommand{UserID: "user-1", ShippingAddress: testAddress()})
		if err != nil {
			t.Fatalf("Checkout: %v", err)
		}
		created = append(created, result.Order.ID)
	}

	// Cancelling the second order returns its 4 kg of arabica.
	if _, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: created[1], UserID: "user-1", Reason: "too much"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	restocked := map[string]decimal.Decimal{}
	for _, batch := range orders.restocks {
		for _, dec := range batch {
			restocked[dec.ProductID] = restocked[dec.ProductID].Add(dec.Quantity)
			if _, err := products.AdjustStock(ctx, dec.ProductID, dec.Quantity, time.Time{}); err != nil {
				t.Fatalf("AdjustStock: %v", err)
			}
		}
	}

	// Quantity held by live orders, per product.
	held := map[string]decimal.Decimal{}
	for _, order := range orders.orders {
		if order.Status == domain.OrderStatusCancelled {
			continue
		}
		for _, item := range order.Items {
			held[item.ProductID] = held[item.ProductID].Add(item.Quantity)
		}
	}

	for id, start := range initial {
		outstanding := decremented[id].Sub(restocked[id])
		if !outstanding.Equal(held[id]) {
			t.Errorf("%s: decremented-restocked %s, but live orders hold %s", id, outstanding, held[id])
		}
		if got := products.products[id].Stock; !got.Equal(start.Sub(held[id])) {
			t.Errorf("%s: stock %s, want %s", id, got, start.Sub(held[id]))
		}
	}
}

func TestCancelRejectsShippedOrder(t *testing.T) {
	orders := newMemOrderRepo(domain.Order{ID: 9, UserID: "user-1", Status: domain.OrderStatusShipped})
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: 9, UserID: "user-1"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestCancelHidesForeignOrders(t *testing.T) {
	orders := newMemOrderRepo(domain.Order{ID: 9, UserID: "user-1", Status: domain.OrderStatusNew})
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: 9, UserID: "someone-else"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderOwnership(t *testing.T) {
	orders := newMemOrderRepo(domain.Order{ID: 5, UserID: "user-1", Status: domain.OrderStatusNew})
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:   orders,
		Carts:    &stubCartRepo{},
		Products: &stubProductRepo{},
		Counters: &stubCounterRepo{},
	})

	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: 5, UserID: "user-1"}); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), GetOrderCommand{OrderID: 5, UserID: "user-2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign user, got %v", err)
	}
}
