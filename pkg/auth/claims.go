package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AdminTokenPayload captures the data available when minting an operator token.
type AdminTokenPayload struct {
	Subject string
	Email   string
	JTI     string
}

// AdminClaims is the typed JWT carried by operators of the admin surface.
type AdminClaims struct {
	Email string `json:"email,omitempty"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// AdminScope is the only scope accepted by the admin surface.
const AdminScope = "admin"
