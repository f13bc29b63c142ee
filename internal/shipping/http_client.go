package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const defaultRequestTimeout = 10 * time.Second

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// HTTPGatewayConfig configures the aggregator HTTP client.
type HTTPGatewayConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     Logger
}

// HTTPGateway talks to a carrier aggregator over JSON HTTP. Calls run inside
// a circuit breaker so a degraded aggregator fails fast instead of tying up
// request workers on timeouts.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  Logger
}

// NewHTTPGateway constructs an aggregator client.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "shipping-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  httpClient,
		breaker: breaker,
		logger:  logger,
	}, nil
}

type rateRequestPayload struct {
	OriginAreaID      string               `json:"origin_area_id"`
	DestinationAreaID string               `json:"destination_area_id"`
	Items             []shipmentItemPayload `json:"items"`
}

type shipmentItemPayload struct {
	Name     string `json:"name"`
	Weight   int64  `json:"weight"`
	Volume   int64  `json:"volume,omitempty"`
	Value    int64  `json:"value"`
	Quantity int64  `json:"quantity"`
}

type rateResponsePayload struct {
	Pricing []struct {
		Courier       struct {
			Code        string `json:"code"`
			ServiceCode string `json:"service_code"`
			ServiceName string `json:"service_name"`
		} `json:"courier"`
		Description string `json:"description"`
		Price       int64  `json:"price"`
		Currency    string `json:"currency"`
		Duration    string `json:"duration"`
	} `json:"pricing"`
}

type shipmentRequestPayload struct {
	ReferenceID string                `json:"reference_id"`
	Courier     string                `json:"courier_company"`
	Service     string                `json:"courier_type"`
	Origin      addressPayload        `json:"origin"`
	Destination addressPayload        `json:"destination"`
	Items       []shipmentItemPayload `json:"items"`
}

type addressPayload struct {
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone,omitempty"`
	Address      string `json:"address"`
	City         string `json:"city,omitempty"`
	PostalCode   string `json:"postal_code"`
	AreaID       string `json:"area_id,omitempty"`
}

type shipmentResponsePayload struct {
	ID             string         `json:"id"`
	TrackingNumber string         `json:"waybill_id"`
	Status         string         `json:"status"`
	Raw            map[string]any `json:"-"`
}

// GetRates requests quotes for the destination and returns them sorted by
// price ascending, cheapest first.
func (g *HTTPGateway) GetRates(ctx context.Context, req RateRequest) ([]RateQuote, error) {
	if g == nil {
		return nil, errors.New("shipping: gateway is nil")
	}
	if strings.TrimSpace(req.DestinationAreaID) == "" {
		return nil, errors.New("shipping: destination area is required")
	}

	payload := rateRequestPayload{
		OriginAreaID:      strings.TrimSpace(req.OriginAreaID),
		DestinationAreaID: strings.TrimSpace(req.DestinationAreaID),
		Items:             itemPayloads(req.Items),
	}

	body, err := g.post(ctx, "/rates/couriers", payload)
	if err != nil {
		return nil, err
	}

	var decoded rateResponsePayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("shipping: decode rates response: %w", err)
	}

	quotes := make([]RateQuote, 0, len(decoded.Pricing))
	for _, price := range decoded.Pricing {
		quotes = append(quotes, RateQuote{
			Courier:       price.Courier.Code,
			Service:       price.Courier.ServiceCode,
			Description:   defaultIfEmpty(price.Description, price.Courier.ServiceName),
			Price:         price.Price,
			Currency:      strings.ToUpper(defaultIfEmpty(price.Currency, "IDR")),
			EstimatedDays: price.Duration,
		})
	}

	sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Price < quotes[j].Price })

	g.logger(ctx, "shipping.rates.fetched", map[string]any{
		"destination": payload.DestinationAreaID,
		"quotes":      len(quotes),
	})
	return quotes, nil
}

// CreateShipment books the shipment with the chosen carrier.
func (g *HTTPGateway) CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error) {
	if g == nil {
		return Shipment{}, errors.New("shipping: gateway is nil")
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		return Shipment{}, errors.New("shipping: order reference is required")
	}
	if strings.TrimSpace(req.Courier) == "" || strings.TrimSpace(req.Service) == "" {
		return Shipment{}, errors.New("shipping: courier and service are required")
	}

	payload := shipmentRequestPayload{
		ReferenceID: strings.TrimSpace(req.OrderRef),
		Courier:     strings.TrimSpace(req.Courier),
		Service:     strings.TrimSpace(req.Service),
		Origin:      newAddressPayload(req.Origin),
		Destination: newAddressPayload(req.Destination),
		Items:       itemPayloads(req.Items),
	}

	body, err := g.post(ctx, "/shipments", payload)
	if err != nil {
		return Shipment{}, err
	}

	var decoded shipmentResponsePayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Shipment{}, fmt.Errorf("shipping: decode shipment response: %w", err)
	}
	if decoded.ID == "" {
		return Shipment{}, errors.New("shipping: gateway returned shipment without id")
	}

	raw := map[string]any{}
	_ = json.Unmarshal(body, &raw)

	g.logger(ctx, "shipping.shipment.created", map[string]any{
		"shipmentId": decoded.ID,
		"waybill":    decoded.TrackingNumber,
		"courier":    payload.Courier,
	})

	return Shipment{
		ID:             decoded.ID,
		TrackingNumber: decoded.TrackingNumber,
		Status:         decoded.Status,
		Raw:            raw,
	}, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("shipping: encode request: %w", err)
	}

	body, err := g.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.apiKey != "" {
			req.Header.Set("Authorization", g.apiKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("shipping: gateway returned %d: %s", resp.StatusCode, truncate(string(data), 256))
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger(ctx, "shipping.breaker.open", map[string]any{"path": path})
			return nil, fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return body, nil
}

func itemPayloads(items []RateItem) []shipmentItemPayload {
	payloads := make([]shipmentItemPayload, 0, len(items))
	for _, item := range items {
		weight := WeightGrams(item.QuantityKg)
		payloads = append(payloads, shipmentItemPayload{
			Name:     item.Name,
			Weight:   weight,
			Volume:   VolumeMillilitres(weight),
			Value:    item.Value,
			Quantity: 1,
		})
	}
	return payloads
}

func newAddressPayload(addr Address) addressPayload {
	return addressPayload{
		ContactName:  strings.TrimSpace(addr.Recipient),
		ContactPhone: strings.TrimSpace(addr.Phone),
		Address:      strings.TrimSpace(addr.Street),
		City:         strings.TrimSpace(addr.City),
		PostalCode:   strings.TrimSpace(addr.PostalCode),
		AreaID:       strings.TrimSpace(addr.AreaID),
	}
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

var _ Gateway = (*HTTPGateway)(nil)
