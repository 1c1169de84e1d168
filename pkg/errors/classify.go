package errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ErrorType is the retry-policy category of a downstream failure.
type ErrorType string

const (
	TypeDatabaseConnection ErrorType = "database-connection"
	TypeTimeout            ErrorType = "timeout"
	TypeValidation         ErrorType = "validation"
	TypeNetwork            ErrorType = "network"
	TypeConcurrency        ErrorType = "concurrency"
	TypeUnknown            ErrorType = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification drives retry policy. It never carries side effects.
type Classification struct {
	Type           ErrorType
	Severity       Severity
	CanRetry       bool
	SuggestedDelay time.Duration
	Reason         string
}

// IsConnection reports whether the failure warrants reinitializing the store connection.
func (c Classification) IsConnection() bool {
	return c.Type == TypeDatabaseConnection
}

var (
	connectionMessages = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"server closed the connection",
		"unexpected eof",
		"bad connection",
		"too many clients",
		"remaining connection slots",
		"connection pool",
		"can't reach database",
		"failed to connect",
	}
	timeoutMessages = []string{
		"timed out",
		"timeout",
		"deadline exceeded",
		"canceling statement",
	}
	validationMessages = []string{
		"violates unique constraint",
		"duplicate key value",
		"violates foreign key constraint",
		"violates not-null constraint",
		"violates check constraint",
		"invalid input syntax",
		"missing required field",
	}
	concurrencyMessages = []string{
		"record not found",
		"could not serialize access",
		"deadlock detected",
	}
	networkMessages = []string{
		"network",
		"econnreset",
		"tls handshake",
		"rate limit",
		"status 502",
		"status 503",
		"status 504",
	}
)

// Classify categorizes err for retry decisions.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: TypeUnknown, Severity: SeverityLow}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutClass("context deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Type: TypeTimeout, Severity: SeverityLow, CanRetry: true, SuggestedDelay: 5 * time.Second, Reason: "context canceled"}
	}

	if code, ok := sqlState(err); ok {
		if c, matched := classifySQLState(code); matched {
			return c
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return concurrencyClass("record not found during concurrent update")
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return validationClass("constraint violation")
	}

	if typed := As(err); typed != nil {
		switch typed.Code() {
		case CodeValidation, CodeConflict, CodeStateConflict, CodeUnhandled,
			CodeUnauthorized, CodeForbidden, CodeIdempotency:
			return validationClass(string(typed.Code()))
		case CodeNotFound:
			return concurrencyClass("referenced row not yet visible")
		case CodeTimeout:
			return timeoutClass(typed.Message())
		case CodeRateLimit, CodeDependency:
			return networkClass(string(typed.Code()))
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return timeoutClass("network timeout")
		}
		return networkClass("network error")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, validationMessages):
		return validationClass("constraint violation")
	case containsAny(msg, connectionMessages):
		return connectionClass("connection failure")
	case containsAny(msg, concurrencyMessages):
		return concurrencyClass("concurrent update")
	case containsAny(msg, timeoutMessages):
		return timeoutClass("timeout")
	case containsAny(msg, networkMessages):
		return networkClass("network error")
	}

	return Classification{Type: TypeUnknown, Severity: SeverityHigh, CanRetry: true, SuggestedDelay: 10 * time.Second, Reason: "unclassified"}
}

func sqlState(err error) (string, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return "08001", true
	}
	return "", false
}

func classifySQLState(code string) (Classification, bool) {
	switch {
	case code == "53300":
		c := connectionClass("too many connections")
		c.SuggestedDelay = time.Second
		return c, true
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return connectionClass("connection exception " + code), true
	case code == "57014":
		return timeoutClass("statement timeout"), true
	case code == "40001", code == "40P01":
		return concurrencyClass("serialization failure " + code), true
	case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"), strings.HasPrefix(code, "42"):
		return validationClass("sqlstate " + code), true
	}
	return Classification{}, false
}

func connectionClass(reason string) Classification {
	return Classification{Type: TypeDatabaseConnection, Severity: SeverityHigh, CanRetry: true, SuggestedDelay: 2 * time.Second, Reason: reason}
}

func timeoutClass(reason string) Classification {
	return Classification{Type: TypeTimeout, Severity: SeverityMedium, CanRetry: true, SuggestedDelay: 5 * time.Second, Reason: reason}
}

func validationClass(reason string) Classification {
	return Classification{Type: TypeValidation, Severity: SeverityLow, CanRetry: false, Reason: reason}
}

func concurrencyClass(reason string) Classification {
	return Classification{Type: TypeConcurrency, Severity: SeverityLow, CanRetry: true, SuggestedDelay: 500 * time.Millisecond, Reason: reason}
}

func networkClass(reason string) Classification {
	return Classification{Type: TypeNetwork, Severity: SeverityMedium, CanRetry: true, SuggestedDelay: 5 * time.Second, Reason: reason}
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
