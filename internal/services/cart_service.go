package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/groundcycle/api/internal/domain"
	"github.com/groundcycle/api/internal/repositories"
)

var (
	// ErrCartInvalidInput signals the caller provided invalid data.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartOutOfStock indicates the requested quantity exceeds current stock.
	ErrCartOutOfStock = errors.New("cart: insufficient stock")
	// ErrCartProductUnavailable indicates the product is missing or inactive.
	ErrCartProductUnavailable = errors.New("cart: product unavailable")
	// ErrCartItemNotFound indicates the cart has no entry for the product.
	ErrCartItemNotFound = errors.New("cart: item not found")
)

// CartServiceDeps bundles collaborators required to construct the cart service.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (CartView, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartView{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}
	return s.buildView(ctx, cart)
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error) {
	uid := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if uid == "" {
		return CartView{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if !cmd.Quantity.IsPositive() {
		return CartView{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	product, err := s.findActiveProduct(ctx, productID)
	if err != nil {
		return CartView{}, err
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	now := s.now()
	requested := cmd.Quantity
	found := false
	for i, entry := range cart.Entries {
		if entry.ProductID != productID {
			continue
		}
		// The stock check covers the combined quantity, not just the delta.
		requested = entry.Quantity.Add(cmd.Quantity)
		cart.Entries[i].Quantity = requested
		cart.Entries[i].UpdatedAt = now
		found = true
		break
	}

	if requested.GreaterThan(product.Stock) {
		return CartView{}, fmt.Errorf("%w: requested %s kg of %q, %s available",
			ErrCartOutOfStock, requested, product.Title, product.Stock)
	}

	if !found {
		cart.Entries = append(cart.Entries, domain.CartEntry{
			ProductID: productID,
			Quantity:  cmd.Quantity,
			AddedAt:   now,
			UpdatedAt: now,
		})
	}

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "cart.item.added", map[string]any{
		"userId":    uid,
		"productId": productID,
		"quantity":  cmd.Quantity.String(),
	})

	return s.buildView(ctx, saved)
}

func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (CartView, error) {
	uid := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if uid == "" {
		return CartView{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity.IsNegative() {
		return CartView{}, fmt.Errorf("%w: quantity cannot be negative", ErrCartInvalidInput)
	}

	// Setting quantity to zero behaves like remove.
	if cmd.Quantity.IsZero() {
		return s.RemoveItem(ctx, RemoveCartItemCommand{UserID: uid, ProductID: productID})
	}

	product, err := s.findActiveProduct(ctx, productID)
	if err != nil {
		return CartView{}, err
	}
	if cmd.Quantity.GreaterThan(product.Stock) {
		return CartView{}, fmt.Errorf("%w: requested %s kg of %q, %s available",
			ErrCartOutOfStock, cmd.Quantity, product.Title, product.Stock)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	now := s.now()
	found := false
	for i, entry := range cart.Entries {
		if entry.ProductID != productID {
			continue
		}
		cart.Entries[i].Quantity = cmd.Quantity
		cart.Entries[i].UpdatedAt = now
		found = true
		break
	}
	if !found {
		return CartView{}, fmt.Errorf("%w: product %s", ErrCartItemNotFound, productID)
	}

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}
	return s.buildView(ctx, saved)
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (CartView, error) {
	uid := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if uid == "" {
		return CartView{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if productID == "" {
		return CartView{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	remaining := cart.Entries[:0]
	for _, entry := range cart.Entries {
		if entry.ProductID != productID {
			remaining = append(remaining, entry)
		}
	}
	cart.Entries = remaining

	if len(cart.Entries) == 0 {
		if err := s.carts.Clear(ctx, uid); err != nil {
			return CartView{}, s.mapRepositoryError(err)
		}
		return CartView{UserID: uid, Lines: []CartLine{}, Currency: defaultCurrency}, nil
	}

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}
	return s.buildView(ctx, saved)
}

func (s *cartService) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.carts.Clear(ctx, uid); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

// Validate re-checks every cart line against current stock and returns the
// violations rather than failing, so callers can present a precise diff.
func (s *cartService) Validate(ctx context.Context, userID string) ([]StockViolation, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	return s.validateEntries(ctx, cart.Entries)
}

func (s *cartService) validateEntries(ctx context.Context, entries []domain.CartEntry) ([]StockViolation, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	violations := make([]StockViolation, 0)
	for _, entry := range entries {
		product, ok := products[entry.ProductID]
		if !ok || !product.Active {
			violations = append(violations, domain.StockViolation{
				ProductID: entry.ProductID,
				Title:     product.Title,
				Requested: entry.Quantity,
				Available: decimal.Zero,
			})
			continue
		}
		if entry.Quantity.GreaterThan(product.Stock) {
			violations = append(violations, domain.StockViolation{
				ProductID: entry.ProductID,
				Title:     product.Title,
				Requested: entry.Quantity,
				Available: product.Stock,
			})
		}
	}
	return violations, nil
}

func (s *cartService) findActiveProduct(ctx context.Context, productID string) (Product, error) {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Product{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
		}
		return Product{}, s.mapRepositoryError(err)
	}
	if !product.Active {
		return Product{}, fmt.Errorf("%w: %s is no longer listed", ErrCartProductUnavailable, productID)
	}
	return product, nil
}

func (s *cartService) buildView(ctx context.Context, cart domain.Cart) (CartView, error) {
	view := CartView{
		UserID:    cart.UserID,
		Lines:     make([]CartLine, 0, len(cart.Entries)),
		Currency:  defaultCurrency,
		UpdatedAt: cart.UpdatedAt,
	}
	if len(cart.Entries) == 0 {
		return view, nil
	}

	ids := make([]string, 0, len(cart.Entries))
	for _, entry := range cart.Entries {
		ids = append(ids, entry.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return CartView{}, s.mapRepositoryError(err)
	}

	for _, entry := range cart.Entries {
		line := CartLine{
			ProductID: entry.ProductID,
			Quantity:  entry.Quantity,
		}
		if product, ok := products[entry.ProductID]; ok {
			line.Title = product.Title
			line.UnitPrice = product.UnitPrice
			line.Unit = product.Unit
			line.ImagePath = product.ImagePath
			line.Available = product.Stock
			line.LineTotal = lineTotal(product.UnitPrice, entry.Quantity)
			if product.Currency != "" {
				view.Currency = strings.ToUpper(product.Currency)
			}
		}
		view.Subtotal += line.LineTotal
		view.Lines = append(view.Lines, line)
	}
	return view, nil
}

func (s *cartService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartItemNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("cart: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *cartService) now() time.Time {
	return s.clock()
}

const defaultCurrency = "IDR"

// lineTotal prices a fractional kilogram quantity in whole currency units,
// rounding half up so totals match what the payment gateway will charge.
func lineTotal(unitPrice int64, quantity decimal.Decimal) int64 {
	return decimal.NewFromInt(unitPrice).Mul(quantity).Round(0).IntPart()
}
