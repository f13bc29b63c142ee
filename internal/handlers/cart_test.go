package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/groundcycle/api/internal/services"
)

type stubCartService struct {
	getFn      func(context.Context, string) (services.CartView, error)
	addFn      func(context.Context, services.AddCartItemCommand) (services.CartView, error)
	updateFn   func(context.Context, services.UpdateCartQuantityCommand) (services.CartView, error)
	removeFn   func(context.Context, services.RemoveCartItemCommand) (services.CartView, error)
	clearFn    func(context.Context, string) error
	validateFn func(context.Context, string) ([]services.StockViolation, error)
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.CartView, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return services.CartView{}, errors.New("not implemented")
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.CartView, error) {
	if s.addFn != nil {
		return s.addFn(ctx, cmd)
	}
	return services.CartView{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.UpdateCartQuantityCommand) (services.CartView, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.CartView{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.CartView, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, cmd)
	}
	return services.CartView{}, errors.New("not implemented")
}

func (s *stubCartService) Clear(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return errors.New("not implemented")
}

func (s *stubCartService) Validate(ctx context.Context, userID string) ([]services.StockViolation, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func newCartRouter(carts services.CartService) chi.Router {
	handler := NewCartHandlers(nil, carts)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func sampleCartView() services.CartView {
	return services.CartView{
		UserID: "user-1",
		Lines: []services.CartLine{
			{
				ProductID: "p-arabica",
				Title:     "Arabica grounds",
				UnitPrice: 12000,
				Quantity:  decimal.RequireFromString("2.5"),
				Unit:      "kg",
				LineTotal: 30000,
				Available: decimal.NewFromInt(5),
			},
		},
		Subtotal:  30000,
		Currency:  "IDR",
		UpdatedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestCartHandlersGetCart(t *testing.T) {
	carts := &stubCartService{
		getFn: func(ctx context.Context, userID string) (services.CartView, error) {
			if userID != "user-1" {
				t.Fatalf("expected user-1, got %s", userID)
			}
			return sampleCartView(), nil
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Subtotal != 30000 || resp.Currency != "IDR" {
		t.Fatalf("unexpected cart response: %#v", resp)
	}
	if len(resp.Lines) != 1 || resp.Lines[0].Quantity != "2.5" || resp.Lines[0].Available != "5" {
		t.Fatalf("unexpected cart lines: %#v", resp.Lines)
	}
}

func TestCartHandlersAddItem(t *testing.T) {
	var captured services.AddCartItemCommand
	carts := &stubCartService{
		addFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.CartView, error) {
			captured = cmd
			return sampleCartView(), nil
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"product_id":"p-arabica","quantity":"2.5"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d, body %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "p-arabica" || !captured.Quantity.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected add command: %#v", captured)
	}
}

func TestCartHandlersAddItemBadQuantity(t *testing.T) {
	router := newCartRouter(&stubCartService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"product_id":"p-arabica","quantity":"lots"}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemOutOfStock(t *testing.T) {
	carts := &stubCartService{
		addFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.CartView, error) {
			return services.CartView{}, services.ErrCartOutOfStock
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"product_id":"p-arabica","quantity":"99"}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCartHandlersUpdateQuantity(t *testing.T) {
	var captured services.UpdateCartQuantityCommand
	carts := &stubCartService{
		updateFn: func(ctx context.Context, cmd services.UpdateCartQuantityCommand) (services.CartView, error) {
			captured = cmd
			return sampleCartView(), nil
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items/p-arabica", `{"quantity":"1"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProductID != "p-arabica" || !captured.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected update command: %#v", captured)
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	carts := &stubCartService{
		removeFn: func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.CartView, error) {
			return services.CartView{}, services.ErrCartItemNotFound
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart/items/p-gone", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := false
	carts := &stubCartService{
		clearFn: func(ctx context.Context, userID string) error {
			cleared = true
			return nil
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart", ""))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !cleared {
		t.Fatal("expected cart to be cleared")
	}
}

func TestCartHandlersValidate(t *testing.T) {
	carts := &stubCartService{
		validateFn: func(ctx context.Context, userID string) ([]services.StockViolation, error) {
			return []services.StockViolation{
				{
					ProductID: "p-robusta",
					Title:     "Robusta grounds",
					Requested: decimal.NewFromInt(3),
					Available: decimal.NewFromInt(2),
				},
			}, nil
		},
	}

	router := newCartRouter(carts)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart/validate", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp cartValidationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Valid {
		t.Fatal("expected invalid cart")
	}
	if len(resp.Violations) != 1 || resp.Violations[0].Requested != "3" || resp.Violations[0].Available != "2" {
		t.Fatalf("unexpected violations: %#v", resp.Violations)
	}
}

func TestCartHandlersUnauthenticated(t *testing.T) {
	router := newCartRouter(&stubCartService{})

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
