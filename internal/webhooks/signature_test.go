package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const shippoBody = `{"event":"transaction_updated","test":false,"data":{"object_id":"tx_1"}}`

func shippoHeaders(sig string) http.Header {
	h := http.Header{}
	if sig != "" {
		h.Set(ShippoSignatureHeader, sig)
	}
	return h
}

func TestShippoSignatureRoundTrip(t *testing.T) {
	v := NewShippoValidator("whsec_test", nil)
	body := []byte(shippoBody)
	sig := SignShippo(body, "whsec_test")

	assert.Len(t, sig, 64)
	assert.True(t, v.Validate(body, shippoHeaders(sig)).Valid)
	assert.True(t, v.Validate(body, shippoHeaders(strings.ToUpper(sig))).Valid)

	flipped := []byte(shippoBody)
	flipped[10] ^= 0x01
	verdict := v.Validate(flipped, shippoHeaders(sig))
	assert.False(t, verdict.Valid)
	assert.Equal(t, ReasonInvalidSignature, verdict.Reason)
	assert.Equal(t, http.StatusUnauthorized, verdict.StatusCode())
}

func TestShippoSecretIsTrimmed(t *testing.T) {
	body := []byte(shippoBody)
	sig := SignShippo(body, "whsec_test")
	v := NewShippoValidator("  whsec_test\n", nil)
	assert.True(t, v.Validate(body, shippoHeaders(sig)).Valid)
}

func TestValidatorFailureReasons(t *testing.T) {
	body := []byte(shippoBody)

	missingSig := NewShippoValidator("whsec_test", nil).Validate(body, shippoHeaders(""))
	assert.Equal(t, ReasonMissingSignature, missingSig.Reason)

	missingSecret := NewShippoValidator(" ", nil).Validate(body, shippoHeaders("abc"))
	assert.Equal(t, ReasonMissingSecret, missingSecret.Reason)
	assert.Equal(t, http.StatusInternalServerError, missingSecret.StatusCode())

	notHex := NewShippoValidator("whsec_test", nil).Validate(body, shippoHeaders("not-hex"))
	assert.Equal(t, ReasonInvalidSignature, notHex.Reason)

	malformed := NewShippoValidator("whsec_test", func([]byte) error { return errors.New("bad shape") })
	verdict := malformed.Validate(body, shippoHeaders(SignShippo(body, "whsec_test")))
	assert.Equal(t, ReasonMalformedBody, verdict.Reason)
	assert.Equal(t, http.StatusBadRequest, verdict.StatusCode())
}

func TestEnvelopeCheckSkippedForUnauthenticatedBody(t *testing.T) {
	called := false
	v := NewShippoValidator("whsec_test", func([]byte) error {
		called = true
		return nil
	})
	v.Validate([]byte(shippoBody), shippoHeaders(strings.Repeat("0", 64)))
	assert.False(t, called)
}

func TestSquareSignatureIncludesNotificationURL(t *testing.T) {
	body := []byte(`{"merchant_id":"M1","type":"payment.updated","event_id":"E1","data":{"type":"payment","id":"P1","object":{}}}`)
	url := "https://pantry.test/api/v1/webhooks/square"
	sig := SignSquare(url, body, "sq_key")

	h := http.Header{}
	h.Set(SquareSignatureHeader, sig)
	assert.True(t, NewSquareValidator("sq_key", url, nil).Validate(body, h).Valid)

	other := NewSquareValidator("sq_key", "https://elsewhere.test/hook", nil).Validate(body, h)
	assert.Equal(t, ReasonInvalidSignature, other.Reason)
}
