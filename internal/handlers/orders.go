package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/platform/textutil"
	"github.com/groundcycle/api/internal/services"
)

const (
	defaultOrderPageSize  = 20
	maxOrderPageSize      = 100
	maxOrderBodySize      = 16 * 1024
	maxCheckoutBodySize   = 32 * 1024
	maxCancelReasonLength = 500
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusNew:            {},
	domain.OrderStatusPendingPayment: {},
	domain.OrderStatusPaid:           {},
	domain.OrderStatusPacked:         {},
	domain.OrderStatusShipped:        {},
	domain.OrderStatusCompleted:      {},
	domain.OrderStatusCancelled:      {},
}

// OrderHandlers exposes the buyer-facing order lifecycle: checkout, listing,
// cancellation, payment retry, and shipment booking.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
	shipping services.ShippingService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, shipping services.ShippingService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
		shipping: shipping,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/checkout", h.checkout)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/retry-payment", h.retryPayment)
	r.Post("/{orderID}/ship", h.shipOrder)
}

type checkoutRequest struct {
	ShippingAddress addressPayload `json:"shipping_address"`
	CourierCompany  string         `json:"courier_company"`
	CourierService  string         `json:"courier_service"`
	ShippingFee     int64          `json:"shipping_fee"`
	Notes           string         `json:"notes"`
}

type checkoutResponse struct {
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
	Total      int64  `json:"total"`
	Currency   string `json:"currency"`
	PaymentURL string `json:"payment_url,omitempty"`
}

type stockViolationPayload struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Requested string `json:"requested"`
	Available string `json:"available"`
}

type checkoutViolationsResponse struct {
	Error      string                  `json:"error"`
	Message    string                  `json:"message"`
	Violations []stockViolationPayload `json:"violations"`
}

func (h *OrderHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.orders.Checkout(ctx, services.CheckoutCommand{
		UserID:          uid,
		ShippingAddress: addressFromPayload(req.ShippingAddress),
		ShippingFee:     req.ShippingFee,
		CourierCompany:  strings.TrimSpace(req.CourierCompany),
		CourierService:  strings.TrimSpace(req.CourierService),
		Notes:           textutil.SanitizeText(req.Notes),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if len(result.Violations) > 0 {
		writeJSONResponse(w, http.StatusBadRequest, checkoutViolationsResponse{
			Error:      "insufficient_stock",
			Message:    "some items are no longer available in the requested quantity",
			Violations: buildViolationPayloads(result.Violations),
		})
		return
	}

	response := checkoutResponse{
		OrderID:  result.Order.ID,
		Status:   string(result.Order.Status),
		Total:    result.Order.Total,
		Currency: result.Order.Currency,
	}

	// The payment session is created eagerly so the client can redirect
	// straight from checkout. A gateway failure here is not fatal: the order
	// exists and the retry-payment endpoint creates the session later.
	if h.payments != nil {
		session, err := h.payments.CreateSession(ctx, services.CreatePaymentSessionCommand{
			OrderID: result.Order.ID,
			UserID:  uid,
		})
		if err == nil {
			response.PaymentURL = session.RedirectURL
		}
	}

	writeJSONResponse(w, http.StatusCreated, response)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	statuses := make([]domain.OrderStatus, 0)
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(raw)
		if _, known := validOrderStatuses[status]; !known {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown order status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	limit := defaultOrderPageSize
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case parsed <= 0:
			limit = defaultOrderPageSize
		case parsed > maxOrderPageSize:
			limit = maxOrderPageSize
		default:
			limit = parsed
		}
	}

	orders, err := h.orders.ListOrders(ctx, services.ListOrdersCommand{
		UserID: uid,
		Status: statuses,
		Limit:  limit,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, UserID: uid})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Cancellation reason is optional.
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	reason := textutil.SanitizeText(req.Reason)
	if len(reason) > maxCancelReasonLength {
		reason = reason[:maxCancelReasonLength]
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  uid,
		Reason:  reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	session, err := h.payments.CreateSession(ctx, services.CreatePaymentSessionCommand{
		OrderID: orderID,
		UserID:  uid,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPaymentSessionPayload(orderID, session))
}

func (h *OrderHandlers) shipOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := parseOrderIDParam(ctx, w, r)
	if !ok {
		return
	}

	if h.orders != nil {
		// Ownership gate: booking a shipment for someone else's order must
		// look identical to the order not existing.
		if _, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, UserID: uid}); err != nil {
			writeOrderError(ctx, w, err)
			return
		}
	}

	shipment, err := h.shipping.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID: orderID,
		ActorID: uid,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, shipmentResponse{Shipment: shipmentPayload{
		ShipmentID:     shipment.ShipmentID,
		TrackingNumber: shipment.TrackingNumber,
		CourierCompany: shipment.CourierCompany,
		CourierService: shipment.CourierService,
		Status:         shipment.Status,
		CreatedAt:      formatTime(shipment.CreatedAt),
	}})
}

// Shared request plumbing --------------------------------------------------

func requireIdentity(ctx context.Context, w http.ResponseWriter) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func parseOrderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if raw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently, retry the request", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal", "unexpected error", http.StatusInternalServerError))
	}
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingAlreadyShipped):
		httpx.WriteError(ctx, w, httpx.NewError("already_shipped", "order already has a shipment", http.StatusConflict))
	case errors.Is(err, services.ErrShippingInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShippingPrecondition):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_precondition_failed", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_gateway_error", "carrier request failed, retry later", http.StatusBadGateway))
	}
}

// Response payloads --------------------------------------------------------

type orderListResponse struct {
	Items []orderSummaryPayload `json:"items"`
}

type orderSummaryPayload struct {
	ID             int64  `json:"id"`
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	Currency       string `json:"currency"`
	ItemCount      int    `json:"item_count"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              int64              `json:"id"`
	Status          string             `json:"status"`
	Subtotal        int64              `json:"subtotal"`
	ShippingFee     int64              `json:"shipping_fee"`
	Total           int64              `json:"total"`
	Currency        string             `json:"currency"`
	Items           []orderItemPayload `json:"items"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	CourierCompany  string             `json:"courier_company,omitempty"`
	CourierService  string             `json:"courier_service,omitempty"`
	PaymentStatus   string             `json:"payment_status,omitempty"`
	PaymentURL      string             `json:"payment_url,omitempty"`
	ShipmentID      string             `json:"shipment_id,omitempty"`
	TrackingNumber  string             `json:"tracking_number,omitempty"`
	ShippingStatus  string             `json:"shipping_status,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	PaidAt          string             `json:"paid_at,omitempty"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
}

type orderItemPayload struct {
	ProductID  string `json:"product_id"`
	Title      string `json:"title"`
	UnitPrice  int64  `json:"unit_price"`
	Quantity   string `json:"quantity"`
	Unit       string `json:"unit,omitempty"`
	CoffeeType string `json:"coffee_type,omitempty"`
	Grind      string `json:"grind,omitempty"`
	Condition  string `json:"condition,omitempty"`
	ImagePath  string `json:"image_path,omitempty"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code"`
	AreaID     string `json:"area_id,omitempty"`
}

type shipmentResponse struct {
	Shipment shipmentPayload `json:"shipment"`
}

type shipmentPayload struct {
	ShipmentID     string `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`
	CourierCompany string `json:"courier_company"`
	CourierService string `json:"courier_service"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:             order.ID,
		Status:         string(order.Status),
		Total:          order.Total,
		Currency:       order.Currency,
		ItemCount:      len(order.Items),
		TrackingNumber: order.TrackingNumber,
		CreatedAt:      formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:  item.ProductID,
			Title:      item.Title,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity.String(),
			Unit:       item.Unit,
			CoffeeType: item.CoffeeType,
			Grind:      item.Grind,
			Condition:  item.Condition,
			ImagePath:  item.ImagePath,
		})
	}
	return orderPayload{
		ID:              order.ID,
		Status:          string(order.Status),
		Subtotal:        order.Subtotal,
		ShippingFee:     order.ShippingFee,
		Total:           order.Total,
		Currency:        order.Currency,
		Items:           items,
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		CourierCompany:  order.CourierCompany,
		CourierService:  order.CourierService,
		PaymentStatus:   order.PaymentStatus,
		PaymentURL:      order.PaymentURL,
		ShipmentID:      order.ShipmentID,
		TrackingNumber:  order.TrackingNumber,
		ShippingStatus:  string(order.ShippingStatus),
		Notes:           order.Notes,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePointer(order.PaidAt),
		DeliveredAt:     formatTimePointer(order.DeliveredAt),
	}
}

func buildAddressPayload(address domain.Address) addressPayload {
	return addressPayload{
		Recipient:  address.Recipient,
		Phone:      address.Phone,
		Email:      address.Email,
		Street:     address.Street,
		City:       address.City,
		Province:   address.Province,
		PostalCode: address.PostalCode,
		AreaID:     address.AreaID,
	}
}

func addressFromPayload(payload addressPayload) domain.Address {
	return domain.Address{
		Recipient:  textutil.SanitizeText(payload.Recipient),
		Phone:      strings.TrimSpace(payload.Phone),
		Email:      strings.TrimSpace(payload.Email),
		Street:     textutil.SanitizeText(payload.Street),
		City:       strings.TrimSpace(payload.City),
		Province:   strings.TrimSpace(payload.Province),
		PostalCode: strings.TrimSpace(payload.PostalCode),
		AreaID:     strings.TrimSpace(payload.AreaID),
	}
}

func buildViolationPayloads(violations []services.StockViolation) []stockViolationPayload {
	payloads := make([]stockViolationPayload, 0, len(violations))
	for _, violation := range violations {
		payloads = append(payloads, stockViolationPayload{
			ProductID: violation.ProductID,
			Title:     violation.Title,
			Requested: violation.Requested.String(),
			Available: violation.Available.String(),
		})
	}
	return payloads
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}
