package validators

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

// QueryString returns the trimmed query value for key.
func QueryString(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// ParseQueryInt reads an integer filter, falling back to defaultVal when the
// parameter is absent. Values outside [min, max] are validation errors.
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := QueryString(r, key)
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, queryError(key, "query parameter must be numeric", nil)
	}
	if value < min || value > max {
		return 0, queryError(key, "query parameter out of range", map[string]any{"min": min, "max": max})
	}
	return value, nil
}

// ParseQueryChoice reads a case-insensitive value that must be one of
// allowed. An absent parameter yields defaultVal.
func ParseQueryChoice(r *http.Request, key, defaultVal string, allowed ...string) (string, error) {
	raw := strings.ToLower(QueryString(r, key))
	if raw == "" {
		return defaultVal, nil
	}
	if !slices.Contains(allowed, raw) {
		return "", queryError(key, "unsupported "+key, map[string]any{"allowed": allowed})
	}
	return raw, nil
}

func queryError(key, msg string, extra map[string]any) error {
	details := map[string]any{"field": key}
	for k, v := range extra {
		details[k] = v
	}
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(details)
}
