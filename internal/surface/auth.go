package surface

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "agentxen"

// ErrUnauthorized is returned for a missing or invalid surface token.
var ErrUnauthorized = errors.New("surface token missing or invalid")

var tokenParser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuer(tokenIssuer),
	jwt.WithExpirationRequired(),
)

// IssueToken mints a surface token for subject, valid for ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing surface token: %w", err)
	}
	return signed, nil
}

// verifyToken checks signature, issuer and expiry and returns the subject.
func verifyToken(secret []byte, raw string) (string, error) {
	if raw == "" {
		return "", ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := tokenParser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}

// tokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for browsers that cannot set headers on a
// websocket handshake.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// AuthHeader returns the handshake header carrying a freshly issued token,
// or nil when authentication is off.
func AuthHeader(secret string, subject string, ttl time.Duration) (http.Header, error) {
	if secret == "" {
		return nil, nil
	}
	token, err := IssueToken([]byte(secret), subject, ttl)
	if err != nil {
		return nil, err
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}, nil
}
