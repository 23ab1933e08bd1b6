package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
)

// workstationClaims is the JWT claim set carried by workstation
// credentials. Company-scoped: the tenant id travels in a private claim.
type workstationClaims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTValidator implements domain.CredentialValidator against an HMAC
// signing key shared with the token issuer.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for HS256 workstation tokens.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies the token, returning the embedded claims.
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (*domain.Claims, error) {
	var claims workstationClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, pserr.NewInvalidCredentials("workstation token invalid or expired")
	}
	if claims.TenantID == "" {
		return nil, pserr.NewInvalidCredentials("workstation token missing tenant claim")
	}
	return &domain.Claims{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		UserID:   claims.UserID,
	}, nil
}

var _ domain.CredentialValidator = (*JWTValidator)(nil)
