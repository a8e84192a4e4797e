// Package auth signs and checks the bearer tokens admins use on the HTTP
// decision endpoint. Tokens are HS256 JWTs whose subject is the admin's
// external identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrMalformed = errors.New("invalid token format")
	ErrSignature = errors.New("invalid token signature")
	ErrExpired   = errors.New("token expired")
)

type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	nowFunc    func() time.Time
	parser     *jwt.Parser
}

func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{
		signingKey: []byte(secret),
		issuer:     issuer,
		ttl:        ttl,
		nowFunc:    time.Now,
		// Expiry and issuer are checked against nowFunc in Validate.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Claims carries the admin's external identity as the subject.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Issue signs a token for the admin with the given external id.
func (m *TokenManager) Issue(externalID, name string) (string, error) {
	if externalID == "" {
		return "", errors.New("admin identity is empty")
	}
	now := m.nowFunc()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   externalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Name: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
}

func (m *TokenManager) Validate(token string) (*Claims, error) {
	var claims Claims
	_, err := m.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return nil, ErrSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !claims.VerifyIssuer(m.issuer, true) {
		return nil, errors.New("invalid issuer")
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}
	if !claims.VerifyExpiresAt(m.nowFunc(), true) {
		return nil, ErrExpired
	}
	return &claims, nil
}
