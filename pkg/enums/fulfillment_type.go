package enums

import (
	"fmt"
	"strings"
)

// FulfillmentType describes how an order reaches the customer.
type FulfillmentType string

const (
	FulfillmentPickup             FulfillmentType = "pickup"
	FulfillmentLocalDelivery      FulfillmentType = "local_delivery"
	FulfillmentNationwideShipping FulfillmentType = "nationwide_shipping"
)

var validFulfillmentTypes = []FulfillmentType{
	FulfillmentPickup,
	FulfillmentLocalDelivery,
	FulfillmentNationwideShipping,
}

func (f FulfillmentType) String() string {
	return string(f)
}

func (f FulfillmentType) IsValid() bool {
	for _, candidate := range validFulfillmentTypes {
		if candidate == f {
			return true
		}
	}
	return false
}

// RequiresLabel reports whether the order ships through the carrier.
func (f FulfillmentType) RequiresLabel() bool {
	return f == FulfillmentNationwideShipping
}

func ParseFulfillmentType(value string) (FulfillmentType, error) {
	normalized := FulfillmentType(strings.ToLower(strings.TrimSpace(value)))
	if !normalized.IsValid() {
		return "", fmt.Errorf("invalid fulfillment type %q", value)
	}
	return normalized, nil
}
