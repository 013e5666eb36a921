package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	token, err := v.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.False(t, identity.Admin)
}

func TestJWTVerifierWrongSecret(t *testing.T) {
	issuer := NewJWTVerifier("right-secret")
	token, err := issuer.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier("wrong-secret")
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestJWTVerifierExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token, err := v.IssueToken("u1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestJWTVerifierRejectsUnsignedToken(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "u1",
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewJWTVerifier("test-secret")
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestJWTVerifierRejectsEmptySubject(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier("test-secret")
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestJWTVerifierExtraClaims(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "u1",
		"device": "phone",
		"admin":  true,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier("test-secret")
	identity, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, "phone", identity.Device)
	assert.True(t, identity.Admin)
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier()
	v.Add("tok-1", Identity{UserID: "u1"})

	identity, err := v.Verify("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)

	_, err = v.Verify("unknown")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	v.Revoke("tok-1")
	_, err = v.Verify("tok-1")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
