// Package auth validates the two credentials Edward accepts: HS256 JWTs for
// end users and static API keys for service-to-service calls.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edward-labs/edward/internal/apperr"
)

const issuer = "edward"

// Claims carried in an access token.
type Claims struct {
	UserID string `json:"uid"`
	Plan   string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies access tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
}

// NewJWTManager creates a manager for HS256 tokens.
func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), expiry: expiry}
}

// Issue mints an access token for a user.
func (m *JWTManager) Issue(userID, plan string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Plan:   plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
}

// Verify parses and validates a token, returning its claims.
func (m *JWTManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "invalid token", err).WithCode("invalid_token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, apperr.New(apperr.KindAuth, "invalid token claims").WithCode("invalid_token")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, apperr.New(apperr.KindAuth, "token has no user").WithCode("invalid_token")
	}
	return claims, nil
}
