package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// Square environments accepted in PANTRY_SQUARE_ENV.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

// paymentsAPI is the part of the SDK payments client the service calls.
type paymentsAPI interface {
	Get(ctx context.Context, request *sq.GetPaymentsRequest, opts ...sqoption.RequestOption) (*sq.GetPaymentResponse, error)
}

// Client reads payments back from Square and carries the webhook signing
// material. Square is only ever read here; orders originate in Square.
type Client struct {
	payments        paymentsAPI
	webhookSecret   string
	notificationURL string
	logg            *logger.Logger
}

// NewClient validates cfg and builds an SDK client for its environment.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errors.New("square client needs a logger")
	}
	baseURL, err := baseURLFor(cfg.Environment())
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "PANTRY_SQUARE_ACCESS_TOKEN is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "PANTRY_SQUARE_WEBHOOK_SIGNATURE_KEY is required")
	}

	sdk := sqclient.NewClient(sqoption.WithBaseURL(baseURL), sqoption.WithToken(token))
	logg.Info(logg.WithField(ctx, "square_env", cfg.Environment()), "square client ready")
	return &Client{
		payments:        sdk.Payments,
		webhookSecret:   secret,
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
		logg:            logg,
	}, nil
}

func baseURLFor(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", EnvSandbox:
		return sq.Environments.Sandbox, nil
	case EnvProduction:
		return sq.Environments.Production, nil
	default:
		return "", pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("square environment %q is not %s or %s", env, EnvSandbox, EnvProduction))
	}
}

// SigningSecret is the webhook signature key. Empty on a nil client.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// NotificationURL is the subscription URL Square prepends to the signed body.
func (c *Client) NotificationURL() string {
	if c == nil {
		return ""
	}
	return c.notificationURL
}

// GetPayment fetches a payment by id. Used when a payment webhook arrives
// without the order link or amounts.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square payment id is required")
	}

	start := time.Now()
	resp, err := c.payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
	fields := map[string]any{
		"square_op":   "get_payment",
		"payment_id":  paymentID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		mapped := classify(err, "get payment")
		c.logError(ctx, fields, mapped)
		return nil, mapped
	}
	payment := resp.GetPayment()
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("square returned no payment for %s", paymentID))
	}
	fields["order_id"] = deref(payment.GetOrderID())
	fields["payment_status"] = deref(payment.GetStatus())
	c.logInfo(ctx, fields, "square payment fetched")
	return payment, nil
}

func (c *Client) logInfo(ctx context.Context, fields map[string]any, msg string) {
	if c.logg != nil {
		c.logg.Info(c.logg.WithFields(ctx, fields), msg)
	}
}

func (c *Client) logError(ctx context.Context, fields map[string]any, err error) {
	if c.logg != nil {
		c.logg.Error(c.logg.WithFields(ctx, fields), "square call failed", err)
	}
}

// classify turns an SDK error into a coded error. Square's error body can
// override the status: a reused idempotency key or an auth category win.
func classify(err error, op string) error {
	msg := "square " + op
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, msg)
	}
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
	}
	code := codeForStatus(apiErr.StatusCode)
	for _, detail := range apiErrors(apiErr) {
		switch {
		case detail.GetCode() == sq.ErrorCodeIdempotencyKeyReused:
			return pkgerrors.Wrap(pkgerrors.CodeIdempotency, err, msg)
		case detail.GetCategory() == sq.ErrorCategoryAuthenticationError:
			return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, msg)
		}
	}
	return pkgerrors.Wrap(code, err, msg)
}

// apiErrors decodes the {"errors": [...]} body the SDK keeps as the wrapped
// error's text.
func apiErrors(apiErr *sqcore.APIError) []*sq.Error {
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	var body struct {
		Errors []*sq.Error `json:"errors"`
	}
	if json.Unmarshal([]byte(inner.Error()), &body) != nil {
		return nil
	}
	out := body.Errors[:0]
	for _, e := range body.Errors {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

var statusCodes = map[int]pkgerrors.Code{
	http.StatusBadRequest:          pkgerrors.CodeValidation,
	http.StatusUnauthorized:        pkgerrors.CodeUnauthorized,
	http.StatusForbidden:           pkgerrors.CodeForbidden,
	http.StatusNotFound:            pkgerrors.CodeNotFound,
	http.StatusConflict:            pkgerrors.CodeConflict,
	http.StatusUnprocessableEntity: pkgerrors.CodeStateConflict,
	http.StatusTooManyRequests:     pkgerrors.CodeRateLimit,
	http.StatusGatewayTimeout:      pkgerrors.CodeTimeout,
}

func codeForStatus(status int) pkgerrors.Code {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	if status >= 400 && status < 500 {
		return pkgerrors.CodeValidation
	}
	return pkgerrors.CodeDependency
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
