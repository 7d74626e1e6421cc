package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "videocast", time.Hour)

	token, err := svc.GenerateAccessToken("operator-1", []string{CapBatchRead, CapBatchSend})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.True(t, claims.Has(CapBatchSend))
	assert.False(t, claims.Has(CapOpsSweep))
}

func TestValidateTokenRejectsForeignOrExpired(t *testing.T) {
	svc := NewJWTService("secret", "videocast", time.Hour)
	other := NewJWTService("other", "videocast", time.Hour)
	expired := NewJWTService("secret", "videocast", -time.Minute)

	foreign, err := other.GenerateAccessToken("x", nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	old, err := expired.GenerateAccessToken("x", nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(old)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWildcardCapability(t *testing.T) {
	c := &Claims{Capabilities: []string{"*"}}
	assert.True(t, c.Has(CapOpsSweep))
}
