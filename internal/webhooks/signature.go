package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	SquareSignatureHeader = "X-Square-Hmacsha256-Signature"
	ShippoSignatureHeader = "X-Shippo-Signature"
)

// Reason explains a rejected webhook.
type Reason string

const (
	ReasonMissingSignature Reason = "MISSING_SIGNATURE"
	ReasonMissingSecret    Reason = "MISSING_SECRET"
	ReasonMalformedBody    Reason = "MALFORMED_BODY"
	ReasonInvalidSignature Reason = "INVALID_SIGNATURE"
)

// Verdict is the outcome of validating one delivery.
type Verdict struct {
	Valid  bool
	Reason Reason
}

// StatusCode maps the verdict to the HTTP response for the provider.
func (v Verdict) StatusCode() int {
	switch {
	case v.Valid:
		return http.StatusOK
	case v.Reason == ReasonMalformedBody:
		return http.StatusBadRequest
	case v.Reason == ReasonMissingSecret:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// EnvelopeCheck reports whether an authentic body has the expected shape.
type EnvelopeCheck func(body []byte) error

// Validator authenticates deliveries for a single provider. It has no side
// effects; callers decide how to respond.
type Validator struct {
	header   string
	secret   string
	sign     func(body []byte, secret string) string
	fold     bool
	envelope EnvelopeCheck
}

// NewSquareValidator verifies base64(HMAC-SHA256(notificationURL + body, key)).
func NewSquareValidator(signatureKey, notificationURL string, envelope EnvelopeCheck) *Validator {
	url := strings.TrimSpace(notificationURL)
	return &Validator{
		header: SquareSignatureHeader,
		secret: strings.TrimSpace(signatureKey),
		sign: func(body []byte, secret string) string {
			return SignSquare(url, body, secret)
		},
		envelope: envelope,
	}
}

// NewShippoValidator verifies hex(HMAC-SHA256(body, secret)).
func NewShippoValidator(secret string, envelope EnvelopeCheck) *Validator {
	return &Validator{
		header:   ShippoSignatureHeader,
		secret:   strings.TrimSpace(secret),
		sign:     SignShippo,
		fold:     true,
		envelope: envelope,
	}
}

// Validate checks the signature header against the raw body, then the
// envelope shape. Unauthenticated bodies are never parsed.
func (v *Validator) Validate(body []byte, headers http.Header) Verdict {
	signature := strings.TrimSpace(headers.Get(v.header))
	if signature == "" {
		return Verdict{Reason: ReasonMissingSignature}
	}
	if v.secret == "" {
		return Verdict{Reason: ReasonMissingSecret}
	}
	if v.fold {
		signature = strings.ToLower(signature)
	}
	if !signaturesMatch(v.sign(body, v.secret), signature) {
		return Verdict{Reason: ReasonInvalidSignature}
	}
	if v.envelope != nil {
		if err := v.envelope(body); err != nil {
			return Verdict{Reason: ReasonMalformedBody}
		}
	}
	return Verdict{Valid: true}
}

// Header names the signature header this validator reads.
func (v *Validator) Header() string {
	return v.header
}

// SignShippo returns the hex HMAC-SHA256 of body.
func SignShippo(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignSquare returns the base64 HMAC-SHA256 of notificationURL followed by body.
func SignSquare(notificationURL string, body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(key)))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signaturesMatch compares in constant time. Inputs of different length
// cannot match; they fall through to a plain comparison instead of erroring.
func signaturesMatch(expected, provided string) bool {
	if len(expected) != len(provided) {
		return expected == provided
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}
