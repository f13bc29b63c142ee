package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/groundcycle/api/internal/services"
)

func newShippingRouter(shipping services.ShippingService) chi.Router {
	handler := NewShippingHandlers(nil, shipping)
	router := chi.NewRouter()
	router.Route("/shipping", handler.Routes)
	return router
}

func TestShippingHandlersGetRates(t *testing.T) {
	var captured services.GetRatesCommand
	shipping := &stubShippingService{
		ratesFn: func(ctx context.Context, cmd services.GetRatesCommand) ([]services.ShippingRateQuote, error) {
			captured = cmd
			return []services.ShippingRateQuote{
				{
					CourierCompany: "jne",
					CourierService: "reg",
					ServiceName:    "Regular",
					Price:          15000,
					EstimatedDays:  "2-3",
				},
				{
					CourierCompany: "sicepat",
					CourierService: "best",
					ServiceName:    "Best",
					Price:          21000,
					EstimatedDays:  "1-2",
				},
			}, nil
		},
	}

	router := newShippingRouter(shipping)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/shipping/rates?area_id=IDNP9IDNC31", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.UserID != "user-1" || captured.DestinationAreaID != "IDNP9IDNC31" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp shippingRatesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Rates) != 2 {
		t.Fatalf("expected 2 rates, got %d", len(resp.Rates))
	}
	if resp.Rates[0].CourierCompany != "jne" || resp.Rates[0].Price != 15000 {
		t.Fatalf("unexpected first rate: %#v", resp.Rates[0])
	}
}

func TestShippingHandlersGetRatesMissingArea(t *testing.T) {
	router := newShippingRouter(&stubShippingService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/shipping/rates", ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestShippingHandlersGetRatesEmptyCart(t *testing.T) {
	shipping := &stubShippingService{
		ratesFn: func(ctx context.Context, cmd services.GetRatesCommand) ([]services.ShippingRateQuote, error) {
			return nil, services.ErrShippingInvalidInput
		},
	}

	router := newShippingRouter(shipping)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/shipping/rates?area_id=IDNP9IDNC31", ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestShippingHandlersGetRatesGatewayDown(t *testing.T) {
	shipping := &stubShippingService{
		ratesFn: func(ctx context.Context, cmd services.GetRatesCommand) ([]services.ShippingRateQuote, error) {
			return nil, context.DeadlineExceeded
		},
	}

	router := newShippingRouter(shipping)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/shipping/rates?area_id=IDNP9IDNC31", ""))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}
