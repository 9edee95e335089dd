package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by gateway tokens
type Claims struct {
	UserID     string `json:"user_id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name,omitempty"`
	SuperAdmin bool   `json:"super_admin,omitempty"`
	Active     *bool  `json:"active,omitempty"` // absent means active
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret
type JWTVerifier struct {
	secretKey []byte
	parser    *jwt.Parser
}

// NewJWTVerifier creates a verifier for the given secret
func NewJWTVerifier(secretKey string) *JWTVerifier {
	return &JWTVerifier{
		secretKey: []byte(secretKey),
		// Expiry is judged by the guard so every backend reports it the same way
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Issue signs a token; used by tooling and tests
func (v *JWTVerifier) Issue(record TokenRecord) (string, error) {
	active := record.Active
	claims := &Claims{
		UserID:     record.UserID,
		TenantID:   record.TenantID,
		Name:       record.Name,
		SuperAdmin: record.SuperAdmin,
		Active:     &active,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   "ws-gateway",
			Subject:  record.UserID,
		},
	}
	if !record.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(record.ExpiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// VerifyExternalToken validates the signature and returns the claims as a record.
// A bad signature or malformed token resolves to no record.
func (v *JWTVerifier) VerifyExternalToken(_ context.Context, tokenString string) (*TokenRecord, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) || errors.Is(err, jwt.ErrTokenSignatureInvalid) ||
			errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, nil
	}

	record := &TokenRecord{
		UserID:     claims.UserID,
		TenantID:   claims.TenantID,
		Name:       claims.Name,
		SuperAdmin: claims.SuperAdmin,
		Active:     claims.Active == nil || *claims.Active,
	}
	if record.UserID == "" {
		record.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		record.ExpiresAt = claims.ExpiresAt.Time
	}
	return record, nil
}
