package shipping

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Carriers quote against gram weights. Order quantities are kilograms of
// coffee grounds, so the conversion is a fixed density assumption rather
// than a per-product measurement.
const gramsPerKilogram = 1000

// Coffee grounds pack at roughly this density; used to estimate parcel
// volume for carriers that price on dimensions.
const packedGramsPerLitre = 400

// ErrGatewayUnavailable is returned when the carrier aggregator cannot be
// reached, including while the circuit breaker is open.
var ErrGatewayUnavailable = errors.New("shipping: carrier gateway unavailable")

// RateItem describes one order line for quoting purposes.
type RateItem struct {
	Name       string
	QuantityKg decimal.Decimal
	Value      int64
}

// RateRequest asks the aggregator for quotes between two service areas.
type RateRequest struct {
	OriginAreaID      string
	DestinationAreaID string
	Items             []RateItem
}

// RateQuote is a single carrier/service offer.
type RateQuote struct {
	Courier       string
	Service       string
	Description   string
	Price         int64
	Currency      string
	EstimatedDays string
}

// Address carries the fields carriers require for pickup and delivery.
type Address struct {
	Recipient  string
	Phone      string
	Street     string
	City       string
	PostalCode string
	AreaID     string
}

// ShipmentRequest creates a shipment for an order that is ready to leave
// the warehouse.
type ShipmentRequest struct {
	OrderRef    string
	Courier     string
	Service     string
	Origin      Address
	Destination Address
	Items       []RateItem
}

// Shipment is the carrier's record of a created shipment.
type Shipment struct {
	ID             string
	TrackingNumber string
	Status         string
	Raw            map[string]any
}

// Gateway is the contract carrier aggregator adapters implement.
type Gateway interface {
	GetRates(ctx context.Context, req RateRequest) ([]RateQuote, error)
	CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error)
}

// WeightGrams converts a kilogram quantity into the gram weight carriers
// expect, rounding up so parcels are never under-declared.
func WeightGrams(quantityKg decimal.Decimal) int64 {
	grams := quantityKg.Mul(decimal.NewFromInt(gramsPerKilogram))
	return grams.Ceil().IntPart()
}

// VolumeMillilitres estimates packed parcel volume from weight.
func VolumeMillilitres(weightGrams int64) int64 {
	if weightGrams <= 0 {
		return 0
	}
	return (weightGrams*1000 + packedGramsPerLitre - 1) / packedGramsPerLitre
}

// TotalWeightGrams sums line weights for a request.
func TotalWeightGrams(items []RateItem) int64 {
	var total int64
	for _, item := range items {
		total += WeightGrams(item.QuantityKg)
	}
	return total
}
