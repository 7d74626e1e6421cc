// Package sharelink issues and resolves the opaque tokens embedded in
// recipient-facing video links.
package sharelink

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/pkg/security"
)

// ErrInvalidToken covers every decode failure. Callers answer it with 404.
var ErrInvalidToken = errors.New("invalid share token")

const (
	jwtKeyInfo   = "videocast/share/jwt"
	shortKeyInfo = "videocast/share/short"
)

// Ref is what a token resolves to.
type Ref struct {
	BatchID   uuid.UUID
	ItemID    uuid.UUID
	ExpiresAt time.Time
}

type claims struct {
	BatchID string `json:"bid"`
	ItemID  string `json:"iid"`
	jwt.RegisteredClaims
}

type Codec struct {
	jwtKey []byte
	short  security.Encryptor
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec derives separate signing and sealing keys from secret.
func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("share secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("share ttl must be positive")
	}
	jwtKey, err := security.DeriveKey([]byte(secret), jwtKeyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive share signing key: %w", err)
	}
	enc, err := security.NewDerivedAESEncryptor([]byte(secret), shortKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive share sealing key: %w", err)
	}
	return &Codec{jwtKey: jwtKey, short: enc, ttl: ttl, now: time.Now}, nil
}

// Encode issues the primary token format.
func (c *Codec) Encode(batchID, itemID uuid.UUID) (string, error) {
	now := c.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		BatchID: batchID.String(),
		ItemID:  itemID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	})
	signed, err := tok.SignedString(c.jwtKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign share token: %w", err)
	}
	return signed, nil
}

// EncodeShort issues the compact sealed format. Old links in circulation use
// it, and it is still accepted by Decode.
func (c *Codec) EncodeShort(batchID, itemID uuid.UUID) (string, error) {
	exp := c.now().Add(c.ttl).Unix()
	plain := fmt.Sprintf("%s:%s:%d", batchID, itemID, exp)
	sealed, err := c.short.Encrypt([]byte(plain))
	if err != nil {
		return "", fmt.Errorf("failed to seal share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode resolves either token format. It never distinguishes tampering
// from expiry in its result.
func (c *Codec) Decode(token string) (Ref, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Ref{}, ErrInvalidToken
	}
	if strings.Count(token, ".") == 2 {
		return c.decodeJWT(token)
	}
	return c.decodeShort(token)
}

func (c *Codec) decodeJWT(token string) (Ref, error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (interface{}, error) {
		return c.jwtKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return Ref{}, ErrInvalidToken
	}
	bid, err1 := uuid.Parse(cl.BatchID)
	iid, err2 := uuid.Parse(cl.ItemID)
	if err1 != nil || err2 != nil {
		return Ref{}, ErrInvalidToken
	}
	return Ref{BatchID: bid, ItemID: iid, ExpiresAt: cl.ExpiresAt.Time}, nil
}

func (c *Codec) decodeShort(token string) (Ref, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Ref{}, ErrInvalidToken
	}
	plain, err := c.short.Decrypt(raw)
	if err != nil {
		return Ref{}, ErrInvalidToken
	}
	parts := strings.Split(string(plain), ":")
	if len(parts) != 3 {
		return Ref{}, ErrInvalidToken
	}
	bid, err1 := uuid.Parse(parts[0])
	iid, err2 := uuid.Parse(parts[1])
	exp, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Ref{}, ErrInvalidToken
	}
	expiresAt := time.Unix(exp, 0)
	if !c.now().Before(expiresAt) {
		return Ref{}, ErrInvalidToken
	}
	return Ref{BatchID: bid, ItemID: iid, ExpiresAt: expiresAt}, nil
}

// URL builds the public streaming link for token.
func URL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/stream/" + token + ".mp4"
}

// CacheKey is the artifact cache key for an item. It depends only on the
// ids so that reissued tokens share one cached file.
func CacheKey(batchID, itemID uuid.UUID) string {
	sum := sha256.Sum256([]byte(batchID.String() + ":" + itemID.String()))
	return hex.EncodeToString(sum[:])
}
