// Package auth resolves the identity behind a request. Credentials are
// verified elsewhere; this package only trusts signed tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const issuer = "roomchat"

// Claims is the payload of an identity token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 identity tokens.
type JWT struct{ secret []byte }

// New creates a signer/verifier for secret.
func New(secret string) *JWT { return &JWT{secret: []byte(secret)} }

// Sign issues a token for username valid for ttl.
func (j *JWT) Sign(username string, ttl time.Duration) (string, error) {
	if username == "" {
		return "", errors.New("empty username")
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify checks tok and returns the identity it names.
func (j *JWT) Verify(tok string) (chat.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	if claims.Username == "" {
		return "", fmt.Errorf("%w: token has no username", chat.ErrUnauthenticated)
	}
	return chat.Identity(claims.Username), nil
}

// ResolveIdentity reads a bearer token from the Authorization header, or
// from the "token" query parameter since browsers cannot set headers on a
// websocket handshake.
func (j *JWT) ResolveIdentity(r *http.Request) (chat.Identity, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" || tok == r.Header.Get("Authorization") {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return "", fmt.Errorf("%w: no token", chat.ErrUnauthenticated)
	}
	return j.Verify(tok)
}
