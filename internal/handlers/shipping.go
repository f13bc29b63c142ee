package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/groundcycle/api/internal/platform/auth"
	"github.com/groundcycle/api/internal/platform/httpx"
	"github.com/groundcycle/api/internal/services"
)

// ShippingHandlers quotes carrier rates for the authenticated user's cart.
type ShippingHandlers struct {
	authn    *auth.Authenticator
	shipping services.ShippingService
}

// NewShippingHandlers constructs a new ShippingHandlers instance.
func NewShippingHandlers(authn *auth.Authenticator, shipping services.ShippingService) *ShippingHandlers {
	return &ShippingHandlers{
		authn:    authn,
		shipping: shipping,
	}
}

// Routes registers the /shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/rates", h.getRates)
}

func (h *ShippingHandlers) getRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	uid, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	areaID := strings.TrimSpace(r.URL.Query().Get("area_id"))
	if areaID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "area_id query parameter is required", http.StatusBadRequest))
		return
	}

	quotes, err := h.shipping.GetRates(ctx, services.GetRatesCommand{
		UserID:            uid,
		DestinationAreaID: areaID,
	})
	if err != nil {
		writeRatesError(ctx, w, err)
		return
	}

	rates := make([]shippingRatePayload, 0, len(quotes))
	for _, quote := range quotes {
		rates = append(rates, shippingRatePayload{
			CourierCompany: quote.CourierCompany,
			CourierService: quote.CourierService,
			ServiceName:    quote.ServiceName,
			Description:    quote.Description,
			Price:          quote.Price,
			EstimatedDays:  quote.EstimatedDays,
		})
	}
	writeJSONResponse(w, http.StatusOK, shippingRatesResponse{Rates: rates})
}

func writeRatesError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_gateway_error", "carrier rate lookup failed, retry later", http.StatusBadGateway))
	}
}

type shippingRatesResponse struct {
	Rates []shippingRatePayload `json:"rates"`
}

type shippingRatePayload struct {
	CourierCompany string `json:"courier_company"`
	CourierService string `json:"courier_service"`
	ServiceName    string `json:"service_name"`
	Description    string `json:"description,omitempty"`
	Price          int64  `json:"price"`
	EstimatedDays  string `json:"estimated_days,omitempty"`
}
