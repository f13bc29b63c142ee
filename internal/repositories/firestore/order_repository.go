package firestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/groundcycle/api/internal/domain"
	pfirestore "github.com/groundcycle/api/internal/platform/firestore"
	"github.com/groundcycle/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order documents with embedded line items.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

type stockViolationSet struct {
	violations []domain.StockViolation
}

func (e *stockViolationSet) Error() string {
	return fmt.Sprintf("insufficient stock for %d line(s)", len(e.violations))
}

// Create inserts the order document and decrements each product's stock in a
// single transaction. A shortfall on any line aborts the whole write; the
// offending lines come back as violations with a nil error.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order, decrements []repositories.StockDecrement) (repositories.OrderCreateResult, error) {
	if r == nil || r.provider == nil {
		return repositories.OrderCreateResult{}, errors.New("order repository not initialised")
	}
	if order.ID <= 0 {
		return repositories.OrderCreateResult{}, errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderDocID(order.ID))
		if err != nil {
			return err
		}

		// All reads happen before any write, as Firestore transactions require.
		type stockedProduct struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		violations := make([]domain.StockViolation, 0)
		updates := make([]stockedProduct, 0, len(decrements))
		for _, dec := range decrements {
			productID := strings.TrimSpace(dec.ProductID)
			if productID == "" {
				return errors.New("order repository: stock decrement product id is required")
			}
			productRef, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					violations = append(violations, domain.StockViolation{
						ProductID: productID,
						Requested: dec.Quantity,
					})
					continue
				}
				return err
			}
			var productDoc productDocument
			if err := snap.DataTo(&productDoc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			stock, err := decimalFromStored(productDoc.Stock)
			if err != nil {
				return fmt.Errorf("decode product stock %s: %w", productID, err)
			}
			if stock.LessThan(dec.Quantity) {
				violations = append(violations, domain.StockViolation{
					ProductID: productID,
					Title:     strings.TrimSpace(productDoc.Title),
					Requested: dec.Quantity,
					Available: stock,
				})
				continue
			}
			productDoc.Stock = stock.Sub(dec.Quantity).String()
			productDoc.UpdatedAt = doc.CreatedAt
			updates = append(updates, stockedProduct{ref: productRef, doc: productDoc})
		}

		if len(violations) > 0 {
			return &stockViolationSet{violations: violations}
		}

		for _, update := range updates {
			if err := tx.Set(update.ref, update.doc); err != nil {
				return err
			}
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		var shortfall *stockViolationSet
		if errors.As(err, &shortfall) {
			return repositories.OrderCreateResult{Violations: shortfall.violations}, nil
		}
		return repositories.OrderCreateResult{}, err
	}

	saved, err := doc.toDomain(order.ID)
	if err != nil {
		return repositories.OrderCreateResult{}, err
	}
	return repositories.OrderCreateResult{Order: saved}, nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if order.ID <= 0 {
		return errors.New("order repository: order id is required")
	}
	_, err := r.orders.Set(ctx, orderDocID(order.ID), newOrderDocument(order))
	return err
}

// CancelWithRestock persists the cancelled order and returns each line's
// quantity to the stock ledger in one transaction.
func (r *OrderRepository) CancelWithRestock(ctx context.Context, order domain.Order, restocks []repositories.StockDecrement) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if order.ID <= 0 {
		return errors.New("order repository: order id is required")
	}

	doc := newOrderDocument(order)
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderDocID(order.ID))
		if err != nil {
			return err
		}

		type stockedProduct struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		updates := make([]stockedProduct, 0, len(restocks))
		for _, inc := range restocks {
			productID := strings.TrimSpace(inc.ProductID)
			if productID == "" {
				continue
			}
			productRef, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					// Product removed from catalog since ordering; nothing to restock.
					continue
				}
				return err
			}
			var productDoc productDocument
			if err := snap.DataTo(&productDoc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			stock, err := decimalFromStored(productDoc.Stock)
			if err != nil {
				return fmt.Errorf("decode product stock %s: %w", productID, err)
			}
			productDoc.Stock = stock.Add(inc.Quantity).String()
			productDoc.UpdatedAt = doc.UpdatedAt
			updates = append(updates, stockedProduct{ref: productRef, doc: productDoc})
		}

		for _, update := range updates {
			if err := tx.Set(update.ref, update.doc); err != nil {
				return err
			}
		}
		return tx.Set(orderRef, doc)
	})
}

// FindByID loads an order with its embedded items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if orderID <= 0 {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.orders.Get(ctx, orderDocID(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(orderID)
}

// ListByUser returns the user's orders newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("order repository: user id is required")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		q := query.Where("userId", "==", uid)
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			statuses := make([]string, len(filter.Status))
			for i, s := range filter.Status {
				statuses[i] = string(s)
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		id, err := strconv.ParseInt(doc.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode order id %q: %w", doc.ID, err)
		}
		order, err := doc.Data.toDomain(id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func orderDocID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Document structures --------------------------------------------------------

type orderDocument struct {
	UserID           string              `firestore:"userId"`
	Status           string              `firestore:"status"`
	Subtotal         int64               `firestore:"subtotal"`
	ShippingFee      int64               `firestore:"shippingFee"`
	Total            int64               `firestore:"total"`
	Currency         string              `firestore:"currency"`
	ShippingAddress  addressDocument     `firestore:"shippingAddress"`
	CourierCompany   string              `firestore:"courierCompany,omitempty"`
	CourierService   string              `firestore:"courierService,omitempty"`
	PaymentSessionID string              `firestore:"paymentSessionId,omitempty"`
	PaymentToken     string              `firestore:"paymentToken,omitempty"`
	PaymentURL       string              `firestore:"paymentUrl,omitempty"`
	PaymentStatus    string              `firestore:"paymentStatus,omitempty"`
	PaymentExpiresAt *time.Time          `firestore:"paymentExpiresAt,omitempty"`
	ShipmentID       string              `firestore:"shipmentId,omitempty"`
	TrackingNumber   string              `firestore:"trackingNumber,omitempty"`
	ShippingStatus   string              `firestore:"shippingStatus"`
	Notes            string              `firestore:"notes,omitempty"`
	Items            []orderItemDocument `firestore:"items"`
	CreatedAt        time.Time           `firestore:"createdAt"`
	UpdatedAt        time.Time           `firestore:"updatedAt"`
	PaidAt           *time.Time          `firestore:"paidAt,omitempty"`
	DeliveredAt      *time.Time          `firestore:"deliveredAt,omitempty"`
}

type orderItemDocument struct {
	ProductID  string `firestore:"productId"`
	Title      string `firestore:"title"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Quantity   string `firestore:"qty"`
	Unit       string `firestore:"unit,omitempty"`
	CoffeeType string `firestore:"coffeeType,omitempty"`
	Grind      string `firestore:"grind,omitempty"`
	Condition  string `firestore:"condition,omitempty"`
	ImagePath  string `firestore:"imagePath,omitempty"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
	Street     string `firestore:"street"`
	City       string `firestore:"city"`
	Province   string `firestore:"province,omitempty"`
	PostalCode string `firestore:"postalCode"`
	AreaID     string `firestore:"areaId,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:  strings.TrimSpace(item.ProductID),
			Title:      strings.TrimSpace(item.Title),
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity.String(),
			Unit:       strings.TrimSpace(item.Unit),
			CoffeeType: strings.TrimSpace(item.CoffeeType),
			Grind:      strings.TrimSpace(item.Grind),
			Condition:  strings.TrimSpace(item.Condition),
			ImagePath:  strings.TrimSpace(item.ImagePath),
		}
	}
	return orderDocument{
		UserID:           strings.TrimSpace(order.UserID),
		Status:           string(order.Status),
		Subtotal:         order.Subtotal,
		ShippingFee:      order.ShippingFee,
		Total:            order.Total,
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		ShippingAddress:  newAddressDocument(order.ShippingAddress),
		CourierCompany:   strings.TrimSpace(order.CourierCompany),
		CourierService:   strings.TrimSpace(order.CourierService),
		PaymentSessionID: strings.TrimSpace(order.PaymentSessionID),
		PaymentToken:     strings.TrimSpace(order.PaymentToken),
		PaymentURL:       strings.TrimSpace(order.PaymentURL),
		PaymentStatus:    strings.TrimSpace(order.PaymentStatus),
		PaymentExpiresAt: order.PaymentExpiresAt,
		ShipmentID:       strings.TrimSpace(order.ShipmentID),
		TrackingNumber:   strings.TrimSpace(order.TrackingNumber),
		ShippingStatus:   string(order.ShippingStatus),
		Notes:            strings.TrimSpace(order.Notes),
		Items:            items,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		PaidAt:           order.PaidAt,
		DeliveredAt:      order.DeliveredAt,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Phone:      strings.TrimSpace(addr.Phone),
		Email:      strings.TrimSpace(addr.Email),
		Street:     strings.TrimSpace(addr.Street),
		City:       strings.TrimSpace(addr.City),
		Province:   strings.TrimSpace(addr.Province),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		AreaID:     strings.TrimSpace(addr.AreaID),
	}
}

func (d orderDocument) toDomain(id int64) (domain.Order, error) {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		qty, err := decimalFromStored(item.Quantity)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %d item qty: %w", id, err)
		}
		items[i] = domain.OrderItem{
			ProductID:  strings.TrimSpace(item.ProductID),
			Title:      strings.TrimSpace(item.Title),
			UnitPrice:  item.UnitPrice,
			Quantity:   qty,
			Unit:       strings.TrimSpace(item.Unit),
			CoffeeType: strings.TrimSpace(item.CoffeeType),
			Grind:      strings.TrimSpace(item.Grind),
			Condition:  strings.TrimSpace(item.Condition),
			ImagePath:  strings.TrimSpace(item.ImagePath),
		}
	}
	return domain.Order{
		ID:               id,
		UserID:           strings.TrimSpace(d.UserID),
		Status:           domain.OrderStatus(d.Status),
		Subtotal:         d.Subtotal,
		ShippingFee:      d.ShippingFee,
		Total:            d.Total,
		Currency:         strings.ToUpper(strings.TrimSpace(d.Currency)),
		ShippingAddress:  d.ShippingAddress.toDomain(),
		CourierCompany:   strings.TrimSpace(d.CourierCompany),
		CourierService:   strings.TrimSpace(d.CourierService),
		PaymentSessionID: strings.TrimSpace(d.PaymentSessionID),
		PaymentToken:     strings.TrimSpace(d.PaymentToken),
		PaymentURL:       strings.TrimSpace(d.PaymentURL),
		PaymentStatus:    strings.TrimSpace(d.PaymentStatus),
		PaymentExpiresAt: d.PaymentExpiresAt,
		ShipmentID:       strings.TrimSpace(d.ShipmentID),
		TrackingNumber:   strings.TrimSpace(d.TrackingNumber),
		ShippingStatus:   domain.ShippingStatus(d.ShippingStatus),
		Notes:            d.Notes,
		Items:            items,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		PaidAt:           d.PaidAt,
		DeliveredAt:      d.DeliveredAt,
	}, nil
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Recipient:  strings.TrimSpace(d.Recipient),
		Phone:      strings.TrimSpace(d.Phone),
		Email:      strings.TrimSpace(d.Email),
		Street:     strings.TrimSpace(d.Street),
		City:       strings.TrimSpace(d.City),
		Province:   strings.TrimSpace(d.Province),
		PostalCode: strings.TrimSpace(d.PostalCode),
		AreaID:     strings.TrimSpace(d.AreaID),
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
