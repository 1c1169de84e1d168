package enums

import "strings"

// WebhookProvider names the origin of an inbound webhook.
type WebhookProvider string

const (
	WebhookProviderSquare WebhookProvider = "square"
	WebhookProviderShippo WebhookProvider = "shippo"
)

func (p WebhookProvider) String() string {
	return string(p)
}

// ParseWebhookProvider maps a case-insensitive name to a provider.
func ParseWebhookProvider(raw string) (WebhookProvider, bool) {
	switch p := WebhookProvider(strings.ToLower(strings.TrimSpace(raw))); p {
	case WebhookProviderSquare, WebhookProviderShippo:
		return p, true
	}
	return "", false
}

// DeadLetterReason records why a queued item was given up on.
type DeadLetterReason string

const (
	DeadLetterReasonMaxAttempts  DeadLetterReason = "max_attempts"
	DeadLetterReasonNonRetryable DeadLetterReason = "non_retryable"
)

var validDeadLetterReasons = []DeadLetterReason{
	DeadLetterReasonMaxAttempts,
	DeadLetterReasonNonRetryable,
}

func (r DeadLetterReason) IsValid() bool {
	for _, candidate := range validDeadLetterReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
