package enums

import (
	"fmt"
	"strings"
)

// PaymentStatus tracks the internal payment lifecycle mirrored on orders and payments.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}

// PaymentStatusFromProvider maps the payment provider vocabulary onto PaymentStatus.
// Anything unrecognized stays PENDING.
func PaymentStatusFromProvider(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED", "COMPLETED", "CAPTURED":
		return PaymentStatusPaid
	case "FAILED", "CANCELED", "CANCELLED":
		return PaymentStatusFailed
	case "REFUNDED":
		return PaymentStatusRefunded
	default:
		return PaymentStatusPending
	}
}

// CanTransitionTo reports whether a payment may move from p to next. PAID is
// only left for REFUNDED and REFUNDED is final, so late or reordered provider
// events never regress a settled payment.
func (p PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if p == next || !next.IsValid() {
		return false
	}
	switch p {
	case "", PaymentStatusPending:
		return true
	case PaymentStatusFailed:
		return next == PaymentStatusPaid
	case PaymentStatusPaid:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}
