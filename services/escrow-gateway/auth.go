package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

var (
	errMissingToken = errors.New("missing bearer token")
	errUnknownKey   = errors.New("unknown api key")
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator validates HS256 JWTs minted with a per-key shared secret.
// The token subject names the API key so the verification secret can be
// looked up before signature checking.
type Authenticator struct {
	secrets map[string]string
	nowFn   func() time.Time
}

func NewAuthenticator(keys []APIKeyConfig, nowFn func() time.Time) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secrets[key.Key] = key.Secret
	}
	return &Authenticator{secrets: secrets, nowFn: nowFn}
}

func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, errMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		subject, err := t.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		secret, ok := a.secrets[subject]
		if !ok {
			return nil, errUnknownKey
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(a.nowFn), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &Principal{APIKey: claims.Subject}, nil
}

// MintToken issues a short-lived JWT for the given API key. Exposed for the
// CLI and tests; production clients usually mint their own.
func MintToken(apiKey, secret string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   apiKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
