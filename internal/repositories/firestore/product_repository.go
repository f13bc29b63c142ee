package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/groundcycle/api/internal/domain"
	pfirestore "github.com/groundcycle/api/internal/platform/firestore"
	"github.com/groundcycle/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads catalog projections and mutates the stock ledger.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{provider: provider, base: base}, nil
}

// FindByID loads a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// FindByIDs loads the given products keyed by id. Missing ids are simply
// absent from the result map so callers can report them as violations.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	products := make(map[string]domain.Product, len(productIDs))
	for _, rawID := range productIDs {
		id := strings.TrimSpace(rawID)
		if id == "" {
			continue
		}
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		product, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return nil, err
		}
		products[doc.ID] = product
	}
	return products, nil
}

// AdjustStock applies a signed delta to the on-hand quantity inside a transaction.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta decimal.Decimal, now time.Time) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	now = now.UTC()
	var updated domain.Product
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", id, err)
		}
		stock, err := decimalFromStored(doc.Stock)
		if err != nil {
			return fmt.Errorf("decode product stock %s: %w", id, err)
		}
		next := stock.Add(delta)
		if next.IsNegative() {
			return pfirestore.WrapError("products.adjustStock",
				status.Error(codes.FailedPrecondition, fmt.Sprintf("stock for %s cannot drop below zero", id)))
		}
		doc.Stock = next.String()
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated, err = doc.toDomain(id)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

type productDocument struct {
	SellerID   string    `firestore:"sellerId,omitempty"`
	Title      string    `firestore:"title"`
	UnitPrice  int64     `firestore:"unitPrice"`
	Currency   string    `firestore:"currency,omitempty"`
	Unit       string    `firestore:"unit,omitempty"`
	Stock      string    `firestore:"stock"`
	CoffeeType string    `firestore:"coffeeType,omitempty"`
	Grind      string    `firestore:"grind,omitempty"`
	Condition  string    `firestore:"condition,omitempty"`
	ImagePath  string    `firestore:"imagePath,omitempty"`
	Active     bool      `firestore:"active"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	stock, err := decimalFromStored(d.Stock)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product stock %s: %w", id, err)
	}
	return domain.Product{
		ID:         id,
		SellerID:   strings.TrimSpace(d.SellerID),
		Title:      strings.TrimSpace(d.Title),
		UnitPrice:  d.UnitPrice,
		Currency:   strings.ToUpper(strings.TrimSpace(d.Currency)),
		Unit:       strings.TrimSpace(d.Unit),
		Stock:      stock,
		CoffeeType: strings.TrimSpace(d.CoffeeType),
		Grind:      strings.TrimSpace(d.Grind),
		Condition:  strings.TrimSpace(d.Condition),
		ImagePath:  strings.TrimSpace(d.ImagePath),
		Active:     d.Active,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

// Quantities are persisted as canonical decimal strings so no precision is
// lost round-tripping through Firestore.
func decimalFromStored(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
