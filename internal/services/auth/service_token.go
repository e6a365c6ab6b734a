package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceTokenProvider validates HMAC-signed JWTs minted for trusted
// backend services (the render pipeline, internal tooling). These tokens
// are not user sessions; the subject claim names the user the service is
// acting for.
type ServiceTokenProvider struct {
	secret []byte
}

func NewServiceTokenProvider(secret string) *ServiceTokenProvider {
	return &ServiceTokenProvider{secret: []byte(secret)}
}

func (p *ServiceTokenProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("service tokens are not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("token is missing a subject")
	}

	return &Identity{UserID: claims.Subject}, nil
}

// MintToken issues a short-lived service token for the given user. Exposed
// for internal tooling and tests.
func (p *ServiceTokenProvider) MintToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
