package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

// Admin tokens are HS256 only; anything else in the header is refused.
var signingMethod = jwt.SigningMethodHS256

// clockSkew tolerated between the minting host and the API.
const clockSkew = 30 * time.Second

// MintAdminToken signs an operator token issued at now and valid for
// cfg.TokenTTL. An empty JTI gets a random one.
func MintAdminToken(cfg config.AdminConfig, now time.Time, payload AdminTokenPayload) (string, error) {
	if err := checkSigner(cfg); err != nil {
		return "", err
	}
	if cfg.TokenTTL <= 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "PANTRY_ADMIN_TOKEN_TTL must be positive")
	}
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "admin token subject is required")
	}
	id := strings.TrimSpace(payload.JTI)
	if id == "" {
		id = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(signingMethod, AdminClaims{
		Email: strings.TrimSpace(payload.Email),
		Scope: AdminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			Issuer:    cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
		},
	}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sign admin token")
	}
	return signed, nil
}

// ParseAdminToken verifies signature, issuer, expiry and scope. Every
// rejection is CodeUnauthorized.
func ParseAdminToken(cfg config.AdminConfig, raw string) (*AdminClaims, error) {
	if err := checkSigner(cfg); err != nil {
		return nil, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(cfg.JWTIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	claims := &AdminClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "admin token rejected")
	}
	if claims.Scope != AdminScope {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, fmt.Sprintf("token scope %q is not %s", claims.Scope, AdminScope))
	}
	return claims, nil
}

func checkSigner(cfg config.AdminConfig) error {
	var missing []error
	if cfg.JWTSecret == "" {
		missing = append(missing, errors.New("PANTRY_ADMIN_JWT_SECRET is required"))
	}
	if cfg.JWTIssuer == "" {
		missing = append(missing, errors.New("PANTRY_ADMIN_JWT_ISSUER is required"))
	}
	if len(missing) > 0 {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, errors.Join(missing...), "admin token signer not configured")
	}
	return nil
}
