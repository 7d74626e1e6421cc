package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Capabilities understood by the operator API route table.
const (
	CapBatchRead   = "batch:read"
	CapBatchWrite  = "batch:write"
	CapBatchSend   = "batch:send"
	CapPersonaRead = "persona:read"
	CapOpsSweep    = "ops:sweep"
)

// Claims carries the operator identity and the capabilities granted to it.
type Claims struct {
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// Has reports whether the claims grant capability. "*" grants everything.
func (c *Claims) Has(capability string) bool {
	for _, cp := range c.Capabilities {
		if cp == capability || cp == "*" {
			return true
		}
	}
	return false
}

type JWTService interface {
	GenerateAccessToken(subject string, capabilities []string) (string, error)
	ValidateToken(token string) (*Claims, error)
}

type jwtService struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewJWTService(secret, issuer string, expiry time.Duration) JWTService {
	return &jwtService{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

func (s *jwtService) GenerateAccessToken(subject string, capabilities []string) (string, error) {
	now := time.Now()
	claims := Claims{
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *jwtService) ValidateToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
