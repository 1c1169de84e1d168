package square

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// squareServer answers GET /v2/payments/{id} with status and body.
func squareServer(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sq-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/v2/payments/pay_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(srv.URL),
		sqoption.WithToken("sq-token"),
		sqoption.WithMaxAttempts(1),
	)
	return &Client{payments: sdk.Payments, logg: logger.New(logger.Options{ServiceName: "square-test", Level: logger.ParseLevel("error")})}
}

func TestGetPaymentReadsSquareResponse(t *testing.T) {
	c := squareServer(t, http.StatusOK, `{"payment":{"id":"pay_1","order_id":"ord_1","status":"COMPLETED"}}`)

	payment, err := c.GetPayment(context.Background(), " pay_1 ")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", *payment.GetOrderID())
	assert.Equal(t, "COMPLETED", *payment.GetStatus())
}

func TestGetPaymentMapsSquareErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   pkgerrors.Code
	}{
		{"missing", http.StatusNotFound, `{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"NOT_FOUND"}]}`, pkgerrors.CodeNotFound},
		{"bad token", http.StatusUnauthorized, `{"errors":[{"category":"AUTHENTICATION_ERROR","code":"UNAUTHORIZED"}]}`, pkgerrors.CodeUnauthorized},
		{"outage", http.StatusServiceUnavailable, `{}`, pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := squareServer(t, tt.status, tt.body)
			_, err := c.GetPayment(context.Background(), "pay_1")
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestGetPaymentRequiresID(t *testing.T) {
	_, err := (&Client{}).GetPayment(context.Background(), "  ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNilClientAccessors(t *testing.T) {
	var c *Client
	assert.Empty(t, c.SigningSecret())
	assert.Empty(t, c.NotificationURL())
}

func TestBaseURLFor(t *testing.T) {
	url, err := baseURLFor(" Production ")
	require.NoError(t, err)
	assert.Equal(t, sq.Environments.Production, url)

	url, err = baseURLFor("")
	require.NoError(t, err)
	assert.Equal(t, sq.Environments.Sandbox, url)

	_, err = baseURLFor("staging")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewClientValidatesCredentials(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "square-test"})
	_, err := NewClient(context.Background(), config.SquareConfig{WebhookSecret: "s"}, logg)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	c, err := NewClient(context.Background(), config.SquareConfig{AccessToken: "t", WebhookSecret: " s ", NotificationURL: "https://x/hook"}, logg)
	require.NoError(t, err)
	assert.Equal(t, "s", c.SigningSecret())
	assert.Equal(t, "https://x/hook", c.NotificationURL())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code pkgerrors.Code
	}{
		{"idempotency body beats status", sqcore.NewAPIError(http.StatusBadRequest, errors.New(`{"errors":[{"category":"API_ERROR","code":"IDEMPOTENCY_KEY_REUSED"}]}`)), pkgerrors.CodeIdempotency},
		{"unprocessable", sqcore.NewAPIError(http.StatusUnprocessableEntity, errors.New("nope")), pkgerrors.CodeStateConflict},
		{"other 4xx", sqcore.NewAPIError(http.StatusTeapot, nil), pkgerrors.CodeValidation},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), pkgerrors.CodeTimeout},
		{"transport", errors.New("connection reset"), pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, pkgerrors.IsCode(classify(tt.err, "op"), tt.code))
		})
	}
}
