package shippo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

const (
	defaultBaseURL        = "https://api.goshippo.com"
	responseBodyReadLimit = 4096

	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
	StatusQueued  = "QUEUED"
)

var errAPIKeyRequired = errors.New("shippo api key is required")

// Client wraps the Shippo shipment and transaction APIs used for labels.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured Shippo base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient builds the Shippo client from configuration.
func NewClient(cfg config.ShippoConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		apiKey:     key,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logg,
	}
	WithBaseURL(cfg.BaseURL)(client)

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Address is a Shippo address payload.
type Address struct {
	Name    string `json:"name" validate:"required"`
	Street1 string `json:"street1" validate:"required"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state" validate:"required"`
	Zip     string `json:"zip" validate:"required"`
	Country string `json:"country" validate:"required,len=2"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Parcel describes the package dimensions in inches and pounds.
type Parcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

// ShipmentRequest asks Shippo for rates between two addresses.
type ShipmentRequest struct {
	From   Address
	To     Address
	Parcel Parcel
}

// ServiceLevel names the carrier service for a rate.
type ServiceLevel struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Rate is one purchasable option returned for a shipment.
type Rate struct {
	ObjectID      string          `json:"object_id"`
	Provider      string          `json:"provider"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ServiceLevel  ServiceLevel    `json:"servicelevel"`
	EstimatedDays int             `json:"estimated_days"`
}

// Message is a carrier or Shippo message attached to a transaction.
type Message struct {
	Source string `json:"source"`
	Code   string `json:"code"`
	Text   string `json:"text"`
}

// Transaction is the result of a label purchase.
type Transaction struct {
	ObjectID       string    `json:"object_id"`
	Status         string    `json:"status"`
	Rate           string    `json:"rate"`
	LabelURL       string    `json:"label_url"`
	TrackingNumber string    `json:"tracking_number"`
	TrackingURL    string    `json:"tracking_url_provider"`
	Messages       []Message `json:"messages"`
}

// Succeeded reports whether the purchase produced a usable label.
func (t *Transaction) Succeeded() bool {
	return t != nil &&
		strings.EqualFold(t.Status, StatusSuccess) &&
		strings.TrimSpace(t.LabelURL) != "" &&
		strings.TrimSpace(t.TrackingNumber) != ""
}

// RateExpired reports whether the purchase failed because the quoted rate
// is no longer valid.
func (t *Transaction) RateExpired() bool {
	if t == nil || t.Succeeded() {
		return false
	}
	for _, m := range t.Messages {
		if mentionsExpiredRate(m.Code) || mentionsExpiredRate(m.Text) {
			return true
		}
	}
	return false
}

// IsRateExpired reports whether err is a carrier rejection of an expired rate.
func IsRateExpired(err error) bool {
	if err == nil {
		return false
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if mentionsExpiredRate(e.Error()) {
			return true
		}
	}
	return false
}

func mentionsExpiredRate(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate_expired") ||
		(strings.Contains(s, "rate") && strings.Contains(s, "expired"))
}

// MessageText joins the transaction messages into one error string.
func (t *Transaction) MessageText() string {
	if t == nil || len(t.Messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = strings.TrimSpace(m.Code)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "; ")
}

// CreateTransaction purchases a label for the given rate. metadata is echoed
// back on transaction webhooks.
func (c *Client) CreateTransaction(ctx context.Context, rateID, metadata string) (*Transaction, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "shippo client not configured")
	}
	rateID = strings.TrimSpace(rateID)
	if rateID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shipping rate id is required")
	}

	body := map[string]any{
		"rate":            rateID,
		"label_file_type": "PDF",
		"async":           false,
	}
	if metadata = strings.TrimSpace(metadata); metadata != "" {
		body["metadata"] = metadata
	}
	c.log(ctx, "request", "create_transaction", map[string]any{"rate_id": rateID})

	var tx Transaction
	if err := c.post(ctx, "/transactions/", body, &tx); err != nil {
		c.log(ctx, "error", "create_transaction", map[string]any{"error": err.Error()})
		return nil, err
	}

	c.log(ctx, "response", "create_transaction", map[string]any{
		"transaction_id":  tx.ObjectID,
		"status":          tx.Status,
		"tracking_number": tx.TrackingNumber,
	})
	return &tx, nil
}

// GetRates creates a shipment and returns the carrier rates Shippo quotes for it.
func (c *Client) GetRates(ctx context.Context, req ShipmentRequest) ([]Rate, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "shippo client not configured")
	}

	body := map[string]any{
		"address_from": req.From,
		"address_to":   req.To,
		"parcels":      []Parcel{req.Parcel},
		"async":        false,
	}
	c.log(ctx, "request", "create_shipment", map[string]any{
		"to_zip":     req.To.Zip,
		"to_country": req.To.Country,
	})

	var resp struct {
		ObjectID string    `json:"object_id"`
		Status   string    `json:"status"`
		Rates    []Rate    `json:"rates"`
		Messages []Message `json:"messages"`
	}
	if err := c.post(ctx, "/shipments/", body, &resp); err != nil {
		c.log(ctx, "error", "create_shipment", map[string]any{"error": err.Error()})
		return nil, err
	}

	c.log(ctx, "response", "create_shipment", map[string]any{
		"shipment_id": resp.ObjectID,
		"rates":       len(resp.Rates),
	})
	return resp.Rates, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal shippo request")
	}

	url := strings.TrimRight(c.baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build shippo request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "ShippoToken "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute shippo request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return pkgerrors.Wrap(codeForStatus(resp.StatusCode), cause, fmt.Sprintf("shippo %s failed", path))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode shippo response")
	}
	return nil
}

func codeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case status == http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case status >= 400 && status < 500:
		return pkgerrors.CodeValidation
	default:
		return pkgerrors.CodeDependency
	}
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{"operation": op, "phase": phase}
	for k, v := range fields {
		logFields[k] = v
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Warn(ctx, fmt.Sprintf("shippo %s failed", op))
	default:
		c.logger.Info(ctx, fmt.Sprintf("shippo %s", phase))
	}
}
