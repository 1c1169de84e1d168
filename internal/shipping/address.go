package shipping

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/angelmondragon/pantry-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/shippo"
	"github.com/angelmondragon/pantry-backend/pkg/validate"
)

// AddressSource reads a ship-to address from one historical storage shape.
type AddressSource interface {
	Name() string
	Extract(order *models.Order) (*shippo.Address, bool)
}

// DefaultAddressSources is the fallback order used when re-deriving an
// address for a rate refresh.
var DefaultAddressSources = []AddressSource{
	fulfillmentSource{name: "fulfillment.shipment_details", field: "shipment_details"},
	fulfillmentSource{name: "fulfillment.delivery_details", field: "delivery_details"},
	notesSource{},
	rawDataSource{},
}

// ExtractAddress walks sources in order and returns the first complete address.
func ExtractAddress(order *models.Order, sources []AddressSource) (*shippo.Address, string, error) {
	if order == nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	tried := make([]string, 0, len(sources))
	for _, src := range sources {
		tried = append(tried, src.Name())
		addr, ok := src.Extract(order)
		if !ok {
			continue
		}
		fillContact(addr, order)
		if validate.Struct(addr) != nil {
			continue
		}
		return addr, src.Name(), nil
	}
	return nil, "", pkgerrors.New(pkgerrors.CodeValidation,
		fmt.Sprintf("no shipping address found for order %s (tried %s)", order.ID, strings.Join(tried, ", ")))
}

func fillContact(addr *shippo.Address, order *models.Order) {
	if addr.Name == "" && order.CustomerName != nil {
		addr.Name = strings.TrimSpace(*order.CustomerName)
	}
	if addr.Email == "" && order.CustomerEmail != nil {
		addr.Email = strings.TrimSpace(*order.CustomerEmail)
	}
	if addr.Phone == "" && order.CustomerPhone != nil {
		addr.Phone = strings.TrimSpace(*order.CustomerPhone)
	}
	if addr.Country == "" {
		addr.Country = "US"
	}
	addr.Country = strings.ToUpper(addr.Country)
}

// squareRecipient is the recipient block Square stores on shipment and
// delivery fulfillments.
type squareRecipient struct {
	DisplayName  string `json:"display_name"`
	EmailAddress string `json:"email_address"`
	PhoneNumber  string `json:"phone_number"`
	Address      *struct {
		AddressLine1                 string `json:"address_line_1"`
		AddressLine2                 string `json:"address_line_2"`
		Locality                     string `json:"locality"`
		AdministrativeDistrictLevel1 string `json:"administrative_district_level_1"`
		PostalCode                   string `json:"postal_code"`
		Country                      string `json:"country"`
	} `json:"address"`
}

func (r *squareRecipient) toAddress() (*shippo.Address, bool) {
	if r == nil || r.Address == nil {
		return nil, false
	}
	return &shippo.Address{
		Name:    strings.TrimSpace(r.DisplayName),
		Street1: strings.TrimSpace(r.Address.AddressLine1),
		Street2: strings.TrimSpace(r.Address.AddressLine2),
		City:    strings.TrimSpace(r.Address.Locality),
		State:   strings.TrimSpace(r.Address.AdministrativeDistrictLevel1),
		Zip:     strings.TrimSpace(r.Address.PostalCode),
		Country: strings.TrimSpace(r.Address.Country),
		Phone:   strings.TrimSpace(r.PhoneNumber),
		Email:   strings.TrimSpace(r.EmailAddress),
	}, true
}

type fulfillmentSource struct {
	name  string
	field string
}

func (s fulfillmentSource) Name() string { return s.name }

func (s fulfillmentSource) Extract(order *models.Order) (*shippo.Address, bool) {
	var raw struct {
		Fulfillment  map[string]json.RawMessage   `json:"fulfillment"`
		Fulfillments []map[string]json.RawMessage `json:"fulfillments"`
	}
	if len(order.RawData) == 0 || json.Unmarshal(order.RawData, &raw) != nil {
		return nil, false
	}
	candidates := append([]map[string]json.RawMessage{raw.Fulfillment}, raw.Fulfillments...)
	for _, f := range candidates {
		details, ok := f[s.field]
		if !ok {
			continue
		}
		var block struct {
			Recipient *squareRecipient `json:"recipient"`
		}
		if json.Unmarshal(details, &block) != nil {
			continue
		}
		if addr, ok := block.Recipient.toAddress(); ok {
			return addr, true
		}
	}
	return nil, false
}

// looseAddress accepts the camelCase and snake_case spellings written by
// older checkout versions.
type looseAddress struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	Street1    string `json:"street1"`
	Line1      string `json:"address_line_1"`
	Street2    string `json:"street2"`
	Line2      string `json:"address_line_2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Zip        string `json:"zip"`
	ZipCode    string `json:"zip_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

func (l *looseAddress) toAddress() (*shippo.Address, bool) {
	if l == nil {
		return nil, false
	}
	addr := &shippo.Address{
		Name:    strings.TrimSpace(l.Name),
		Street1: firstNonEmpty(l.Street1, l.Street, l.Line1),
		Street2: firstNonEmpty(l.Street2, l.Line2),
		City:    strings.TrimSpace(l.City),
		State:   strings.TrimSpace(l.State),
		Zip:     firstNonEmpty(l.Zip, l.PostalCode, l.ZipCode),
		Country: strings.TrimSpace(l.Country),
		Phone:   strings.TrimSpace(l.Phone),
		Email:   strings.TrimSpace(l.Email),
	}
	return addr, addr.Street1 != ""
}

type notesSource struct{}

func (notesSource) Name() string { return "notes" }

func (notesSource) Extract(order *models.Order) (*shippo.Address, bool) {
	if order.Notes == nil {
		return nil, false
	}
	notes := strings.TrimSpace(*order.Notes)
	if !strings.HasPrefix(notes, "{") {
		return nil, false
	}
	var payload struct {
		ShippingAddress *looseAddress `json:"shippingAddress"`
	}
	if json.Unmarshal([]byte(notes), &payload) != nil {
		return nil, false
	}
	return payload.ShippingAddress.toAddress()
}

type rawDataSource struct{}

func (rawDataSource) Name() string { return "raw_data" }

var rawAddressKeys = []string{"shippingAddress", "shipping_address", "deliveryAddress", "address"}

func (rawDataSource) Extract(order *models.Order) (*shippo.Address, bool) {
	var raw map[string]json.RawMessage
	if len(order.RawData) == 0 || json.Unmarshal(order.RawData, &raw) != nil {
		return nil, false
	}
	for _, key := range rawAddressKeys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var loose looseAddress
		if json.Unmarshal(value, &loose) != nil {
			continue
		}
		if addr, ok := loose.toAddress(); ok {
			return addr, true
		}
	}
	return nil, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
