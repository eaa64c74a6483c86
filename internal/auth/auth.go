package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	statusTokenIssuer   = "relworx-gateway"
	statusTokenAudience = "order-status"
)

var ErrNoAuthHeader = errors.New("no authorization header included in request")

// MakeStatusToken issues a token that lets its holder read one order's status.
func MakeStatusToken(reference, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is empty")
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    statusTokenIssuer,
		Audience:  jwt.ClaimStrings{statusTokenAudience},
		Subject:   reference,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateStatusToken returns the order reference the token was issued for.
func ValidateStatusToken(tokenString, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(statusTokenIssuer),
		jwt.WithAudience(statusTokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid status token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid status token")
	}

	return claims.Subject, nil
}

// GetBearerToken extracts the token from "Authorization: Bearer <token>".
func GetBearerToken(headers http.Header) (string, error) {
	authHeader := headers.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoAuthHeader
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" || strings.TrimSpace(token) == "" {
		return "", errors.New("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}

// StatusTokens binds a secret and lifetime so callers only pass references.
type StatusTokens struct {
	secret string
	ttl    time.Duration
}

func NewStatusTokens(secret string, ttl time.Duration) *StatusTokens {
	return &StatusTokens{secret: secret, ttl: ttl}
}

func (s *StatusTokens) Issue(reference string) (string, error) {
	return MakeStatusToken(reference, s.secret, s.ttl)
}

func (s *StatusTokens) Validate(token string) (string, error) {
	return ValidateStatusToken(token, s.secret)
}
