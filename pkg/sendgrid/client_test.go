package sendgrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

func TestSendPostsV3Payload(t *testing.T) {
	var captured sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(config.SendgridConfig{APIKey: "sg_key", DefaultFrom: "orders@pantry.test"}, WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = client.Send(context.Background(), Message{To: "buyer@example.com", Subject: "Order confirmed", Text: "thanks"})
	require.NoError(t, err)

	require.Len(t, captured.Personalizations, 1)
	assert.Equal(t, "buyer@example.com", captured.Personalizations[0].To[0].Email)
	assert.Equal(t, "orders@pantry.test", captured.From.Email)
	assert.Equal(t, "Order confirmed", captured.Subject)
}

func TestSendMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limit exceeded"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(config.SendgridConfig{APIKey: "sg_key", DefaultFrom: "orders@pantry.test"}, WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = client.Send(context.Background(), Message{To: "buyer@example.com", Subject: "s", Text: "t"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeRateLimit))
}

func TestSendValidatesInput(t *testing.T) {
	client, err := NewClient(config.SendgridConfig{APIKey: "sg_key", DefaultFrom: "orders@pantry.test"})
	require.NoError(t, err)

	assert.True(t, pkgerrors.IsCode(client.Send(context.Background(), Message{Subject: "s", Text: "t"}), pkgerrors.CodeValidation))
	assert.True(t, pkgerrors.IsCode(client.Send(context.Background(), Message{To: "a@b.c", Subject: "s"}), pkgerrors.CodeValidation))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(config.SendgridConfig{DefaultFrom: "x@y.z"})
	assert.Error(t, err)
	_, err = NewClient(config.SendgridConfig{APIKey: "k"})
	assert.Error(t, err)
}
