package platform

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(block), key
}

func TestNewAppTokenSource_BadKey(t *testing.T) {
	_, err := NewAppTokenSource(1, []byte("not a key"))
	assert.Error(t, err)
}

func TestAppJWT_Claims(t *testing.T) {
	pemBytes, key := testKeyPEM(t)
	src, err := NewAppTokenSource(4242, pemBytes)
	require.NoError(t, err)

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	signed, err := src.AppJWT()
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (interface{}, error) {
		require.Equal(t, jwt.SigningMethodRS256.Alg(), tok.Method.Alg())
		return &key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "4242", claims.Issuer)
	assert.Equal(t, fixed, claims.IssuedAt.Time.UTC())
	assert.Equal(t, fixed.Add(10*time.Minute), claims.ExpiresAt.Time.UTC())
}

func TestAppJWT_FreshPerCall(t *testing.T) {
	pemBytes, _ := testKeyPEM(t)
	src, err := NewAppTokenSource(1, pemBytes)
	require.NoError(t, err)

	t1 := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return t1 }
	a, err := src.AppJWT()
	require.NoError(t, err)

	src.now = func() time.Time { return t1.Add(time.Minute) }
	b, err := src.AppJWT()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
