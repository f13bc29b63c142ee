package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
	"github.com/groundcycle/api/internal/shipping"
)

var (
	// ErrShippingInvalidInput signals the caller provided invalid data.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingPrecondition indicates the order lacks address or carrier fields required for shipment.
	ErrShippingPrecondition = errors.New("shipping: precondition failed")
	// ErrShippingAlreadyShipped indicates a shipment reference already exists for the order.
	ErrShippingAlreadyShipped = errors.New("shipping: order already shipped")
	// ErrShippingInvalidState indicates the order status does not allow shipment creation.
	ErrShippingInvalidState = errors.New("shipping: order not ready for shipment")
)

// ShippingServiceDeps bundles collaborators required to construct the shipping service.
type ShippingServiceDeps struct {
	Orders        repositories.OrderRepository
	Carts         repositories.CartRepository
	Products      repositories.ProductRepository
	OrderFlow     OrderService
	Gateway       shipping.Gateway
	Notifications NotificationService
	// Origin is the warehouse pickup address shipments are created from.
	Origin shipping.Address
	// AdvanceToShipped moves the order to shipped immediately after shipment
	// creation instead of waiting for the carrier's pickup webhook.
	AdvanceToShipped bool
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type shippingService struct {
	orders           repositories.OrderRepository
	carts            repositories.CartRepository
	products         repositories.ProductRepository
	orderFlow        OrderService
	gateway          shipping.Gateway
	notifications    NotificationService
	origin           shipping.Address
	advanceToShipped bool
	clock            func() time.Time
	logger           func(context.Context, string, map[string]any)
}

// NewShippingService wires dependencies into a concrete ShippingService implementation.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Orders == nil {
		return nil, errors.New("shipping service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("shipping service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("shipping service: product repository is required")
	}
	if deps.OrderFlow == nil {
		return nil, errors.New("shipping service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("shipping service: carrier gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &shippingService{
		orders:           deps.Orders,
		carts:            deps.Carts,
		products:         deps.Products,
		orderFlow:        deps.OrderFlow,
		gateway:          deps.Gateway,
		notifications:    deps.Notifications,
		origin:           deps.Origin,
		advanceToShipped: deps.AdvanceToShipped,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetRates quotes the user's current cart against a destination area. Quotes
// come back from the gateway already sorted ascending by price.
func (s *shippingService) GetRates(ctx context.Context, cmd GetRatesCommand) ([]ShippingRateQuote, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrShippingInvalidInput)
	}
	areaID := strings.TrimSpace(cmd.DestinationAreaID)
	if areaID == "" {
		areaID = strings.TrimSpace(cmd.Destination.AreaID)
	}
	if areaID == "" {
		return nil, fmt.Errorf("%w: destination area is required", ErrShippingInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}
	if len(cart.Entries) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrShippingInvalidInput)
	}

	ids := make([]string, 0, len(cart.Entries))
	for _, entry := range cart.Entries {
		ids = append(ids, entry.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}

	items := make([]shipping.RateItem, 0, len(cart.Entries))
	for _, entry := range cart.Entries {
		product := products[entry.ProductID]
		items = append(items, shipping.RateItem{
			Name:       product.Title,
			QuantityKg: entry.Quantity,
			Value:      lineTotal(product.UnitPrice, entry.Quantity),
		})
	}

	quotes, err := s.gateway.GetRates(ctx, shipping.RateRequest{
		OriginAreaID:      s.origin.AreaID,
		DestinationAreaID: areaID,
		Items:             items,
	})
	if err != nil {
		return nil, err
	}

	rates := make([]ShippingRateQuote, 0, len(quotes))
	for _, quote := range quotes {
		rates = append(rates, ShippingRateQuote{
			CourierCompany: quote.Courier,
			CourierService: quote.Service,
			ServiceName:    quote.Description,
			Description:    quote.Description,
			Price:          quote.Price,
			EstimatedDays:  quote.EstimatedDays,
		})
	}
	return rates, nil
}

// CreateShipment hands the order to the carrier. The gateway call happens
// before any state mutation, so a carrier timeout fails the request without
// touching order state.
func (s *shippingService) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error) {
	if cmd.OrderID <= 0 {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Shipment{}, mapShippingRepositoryError(err)
	}

	if order.ShipmentID != "" {
		return Shipment{}, fmt.Errorf("%w: shipment %s", ErrShippingAlreadyShipped, order.ShipmentID)
	}
	switch order.Status {
	case domain.OrderStatusPaid, domain.OrderStatusPacked:
	default:
		return Shipment{}, fmt.Errorf("%w: order status is %q", ErrShippingInvalidState, order.Status)
	}
	if err := shipmentPreconditions(order); err != nil {
		return Shipment{}, err
	}

	items := make([]shipping.RateItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, shipping.RateItem{
			Name:       item.Title,
			QuantityKg: item.Quantity,
			Value:      lineTotal(item.UnitPrice, item.Quantity),
		})
	}

	created, err := s.gateway.CreateShipment(ctx, shipping.ShipmentRequest{
		OrderRef: orderExternalRef(order.ID),
		Courier:  order.CourierCompany,
		Service:  order.CourierService,
		Origin:   s.origin,
		Destination: shipping.Address{
			Recipient:  order.ShippingAddress.Recipient,
			Phone:      order.ShippingAddress.Phone,
			Street:     order.ShippingAddress.Street,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			AreaID:     order.ShippingAddress.AreaID,
		},
		Items: items,
	})
	if err != nil {
		return Shipment{}, err
	}

	if order.Status == domain.OrderStatusPaid {
		order, err = s.orderFlow.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusPacked,
			ActorID:      cmd.ActorID,
			Reason:       "shipment created",
			Metadata: map[string]any{
				"shipmentId":     created.ID,
				"trackingNumber": created.TrackingNumber,
			},
		})
		if err != nil {
			return Shipment{}, err
		}
	} else {
		// Already packed: no status change, only the carrier references.
		order.ShipmentID = created.ID
		order.TrackingNumber = created.TrackingNumber
		order.UpdatedAt = s.clock()
		if err := s.orders.Update(ctx, order); err != nil {
			return Shipment{}, mapShippingRepositoryError(err)
		}
	}

	if s.advanceToShipped {
		if _, err := s.orderFlow.TransitionStatus(ctx, OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusShipped,
			ActorID:      cmd.ActorID,
			Reason:       "carrier accepted shipment",
		}); err != nil {
			s.logger(ctx, "shipping.advance.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.notify(ctx, CreateNotificationCommand{
		UserID:  order.UserID,
		Type:    domain.NotificationTypeShipmentReady,
		Title:   "Shipment created",
		Message: fmt.Sprintf("Order #%d is on its way. Tracking number %s.", order.ID, created.TrackingNumber),
		OrderID: order.ID,
	})

	return Shipment{
		ShipmentID:     created.ID,
		TrackingNumber: created.TrackingNumber,
		CourierCompany: order.CourierCompany,
		CourierService: order.CourierService,
		Status:         created.Status,
		CreatedAt:      s.clock(),
	}, nil
}

func (s *shippingService) notify(ctx context.Context, cmd CreateNotificationCommand) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.Create(ctx, cmd); err != nil {
		s.logger(ctx, "shipping.notification.failed", map[string]any{
			"orderId": cmd.OrderID,
			"error":   err.Error(),
		})
	}
}

func shipmentPreconditions(order domain.Order) error {
	addr := order.ShippingAddress
	if strings.TrimSpace(addr.Recipient) == "" || strings.TrimSpace(addr.Street) == "" ||
		strings.TrimSpace(addr.City) == "" || strings.TrimSpace(addr.PostalCode) == "" {
		return fmt.Errorf("%w: shipping address is incomplete", ErrShippingPrecondition)
	}
	if strings.TrimSpace(order.CourierCompany) == "" || strings.TrimSpace(order.CourierService) == "" {
		return fmt.Errorf("%w: courier selection is missing", ErrShippingPrecondition)
	}
	return nil
}

func mapShippingRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("shipping: repository unavailable: %w", err)
		}
	}

	return err
}
