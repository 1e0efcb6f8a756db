package platform

import (
	"crypto/rsa"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTTTL is the validity window the platform accepts for App JWTs.
const appJWTTTL = 10 * time.Minute

// AppTokenSource signs short-lived App JWTs with the application's RS256
// private key. JWTs are cheap to produce and are regenerated per call,
// never cached beyond a single outbound request.
type AppTokenSource struct {
	appID int64
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewAppTokenSource parses the PEM private key. A bad or missing key is a
// startup-fatal configuration error.
func NewAppTokenSource(appID int64, pemBytes []byte) (*AppTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppTokenSource{appID: appID, key: key, now: time.Now}, nil
}

// AppJWT returns a freshly signed App JWT (iss = app id, 10 minute expiry).
func (s *AppTokenSource) AppJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}
