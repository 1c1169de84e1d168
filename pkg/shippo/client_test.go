package shippo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient(
		config.ShippoConfig{APIKey: "shippo_test_key"},
		nil,
		WithBaseURL("http://shippo.test"),
		WithHTTPClient(&http.Client{Transport: rt}),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateTransactionRequest(t *testing.T) {
	var capturedURL, capturedAuth string
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		capturedURL = req.URL.String()
		capturedAuth = req.Header.Get("Authorization")

		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if payload["rate"] != "rate_123" {
			t.Fatalf("unexpected rate %v", payload["rate"])
		}
		if payload["metadata"] != "order:42" {
			t.Fatalf("unexpected metadata %v", payload["metadata"])
		}
		return jsonResponse(http.StatusCreated, `{"object_id":"tx_1","status":"SUCCESS","label_url":"https://labels/1.pdf","tracking_number":"1Z999","messages":[]}`), nil
	})

	tx, err := client.CreateTransaction(context.Background(), "rate_123", "order:42")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if capturedURL != "http://shippo.test/transactions/" {
		t.Fatalf("unexpected url %q", capturedURL)
	}
	if capturedAuth != "ShippoToken shippo_test_key" {
		t.Fatalf("unexpected auth header %q", capturedAuth)
	}
	if !tx.Succeeded() {
		t.Fatalf("expected successful transaction, got %+v", tx)
	}
}

func TestTransactionSucceededRequiresLabelAndTracking(t *testing.T) {
	partial := &Transaction{Status: "SUCCESS", LabelURL: "https://labels/1.pdf"}
	if partial.Succeeded() {
		t.Fatalf("missing tracking number must not count as success")
	}
	failed := &Transaction{Status: "ERROR", Messages: []Message{{Text: "Rate expired"}, {Code: "carrier_timeout"}}}
	if failed.Succeeded() {
		t.Fatalf("error status must not count as success")
	}
	if got := failed.MessageText(); got != "Rate expired; carrier_timeout" {
		t.Fatalf("unexpected message text %q", got)
	}
}

func TestGetRatesDecodesDecimalAmounts(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/shipments/") {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := payload["address_to"]; !ok {
			t.Fatalf("address_to missing")
		}
		return jsonResponse(http.StatusCreated, `{"object_id":"shp_1","status":"SUCCESS","rates":[
			{"object_id":"r1","provider":"USPS","amount":"12.40","currency":"USD","servicelevel":{"name":"Priority","token":"usps_priority"}},
			{"object_id":"r2","provider":"UPS","amount":"9.99","currency":"USD","servicelevel":{"name":"Ground","token":"ups_ground"}}
		]}`), nil
	})

	rates, err := client.GetRates(context.Background(), ShipmentRequest{
		From: Address{Name: "Pantry", Street1: "1 Main", City: "Austin", State: "TX", Zip: "78701", Country: "US"},
		To:   Address{Name: "Buyer", Street1: "2 Elm", City: "Denver", State: "CO", Zip: "80202", Country: "US"},
	})
	if err != nil {
		t.Fatalf("get rates: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("expected 2 rates, got %d", len(rates))
	}
	if !rates[1].Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("unexpected amount %s", rates[1].Amount)
	}
	if rates[0].ServiceLevel.Token != "usps_priority" {
		t.Fatalf("unexpected service level %+v", rates[0].ServiceLevel)
	}
}

func TestPostMapsStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		code   pkgerrors.Code
	}{
		{http.StatusBadRequest, pkgerrors.CodeValidation},
		{http.StatusTooManyRequests, pkgerrors.CodeRateLimit},
		{http.StatusBadGateway, pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		client := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return jsonResponse(tt.status, `{"detail":"nope"}`), nil
		})
		_, err := client.CreateTransaction(context.Background(), "rate_1", "")
		if !pkgerrors.IsCode(err, tt.code) {
			t.Fatalf("status %d: expected %s got %v", tt.status, tt.code, err)
		}
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.ShippoConfig{}, nil); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestRateExpiredDetection(t *testing.T) {
	expired := &Transaction{Status: "ERROR", Messages: []Message{{Source: "USPS", Text: "The rate has expired, please request new rates"}}}
	if !expired.RateExpired() {
		t.Fatalf("expected expired rate")
	}
	coded := &Transaction{Status: "ERROR", Messages: []Message{{Code: "rate_expired"}}}
	if !coded.RateExpired() {
		t.Fatalf("expected expired rate from code")
	}
	other := &Transaction{Status: "ERROR", Messages: []Message{{Text: "Address invalid"}}}
	if other.RateExpired() {
		t.Fatalf("address errors are not rate expiry")
	}

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, `{"rate":["Rate expired"]}`), nil
	})
	_, err := client.CreateTransaction(context.Background(), "rate_old", "")
	if !IsRateExpired(err) {
		t.Fatalf("expected rate expiry error, got %v", err)
	}
}
