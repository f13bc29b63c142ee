package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/groundcycle/api/internal/domain"
	pfirestore "github.com/groundcycle/api/internal/platform/firestore"
	"github.com/groundcycle/api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists the per-user cart document. The document id is the
// user id: one cart per buyer, replaced wholesale on every mutation.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{base: base}, nil
}

// Get loads the user's cart. A missing document is an empty cart, not an error.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Cart{UserID: uid, Entries: []domain.CartEntry{}}, nil
		}
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(uid)
}

// Upsert replaces the cart document with the given state.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(cart.UserID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc := newCartDocument(cart)
	result, err := r.base.Set(ctx, uid, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved, err := doc.toDomain(uid)
	if err != nil {
		return domain.Cart{}, err
	}
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Clear deletes the cart document. Clearing an absent cart succeeds.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		wrapped := pfirestore.WrapError("carts.clear", err)
		var repoErr *pfirestore.Error
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return wrapped
	}
	return nil
}

type cartDocument struct {
	Entries   []cartEntryDocument `firestore:"entries"`
	UpdatedAt time.Time           `firestore:"updatedAt"`
}

type cartEntryDocument struct {
	ProductID string    `firestore:"productId"`
	Quantity  string    `firestore:"qty"`
	AddedAt   time.Time `firestore:"addedAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	entries := make([]cartEntryDocument, len(cart.Entries))
	for i, entry := range cart.Entries {
		entries[i] = cartEntryDocument{
			ProductID: strings.TrimSpace(entry.ProductID),
			Quantity:  entry.Quantity.String(),
			AddedAt:   entry.AddedAt.UTC(),
			UpdatedAt: entry.UpdatedAt.UTC(),
		}
	}
	return cartDocument{
		Entries:   entries,
		UpdatedAt: cart.UpdatedAt.UTC(),
	}
}

func (d cartDocument) toDomain(userID string) (domain.Cart, error) {
	entries := make([]domain.CartEntry, len(d.Entries))
	for i, entry := range d.Entries {
		qty, err := decimalFromStored(entry.Quantity)
		if err != nil {
			return domain.Cart{}, fmt.Errorf("decode cart entry qty for %s: %w", userID, err)
		}
		entries[i] = domain.CartEntry{
			ProductID: strings.TrimSpace(entry.ProductID),
			Quantity:  qty,
			AddedAt:   entry.AddedAt,
			UpdatedAt: entry.UpdatedAt,
		}
	}
	return domain.Cart{
		UserID:    userID,
		Entries:   entries,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

var _ repositories.CartRepository = (*CartRepository)(nil)
