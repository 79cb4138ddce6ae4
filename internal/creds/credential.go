// Package creds implements the session token coordinator: durable storage
// of the access/refresh pair and single-flight renewal so that concurrent
// callers racing an expiring token never redeem the refresh token twice.
package creds

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Credential is the persisted access/refresh token pair. Access is a JWT
// bearer token with embedded expiry; Refresh is opaque to the client.
type Credential struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// ErrSessionExpired is returned when the refresh token was rejected and
// the session cannot be renewed. The caller must force re-authentication.
var ErrSessionExpired = errors.New("session expired")

// ErrNoCredential is returned when no credential has been stored yet.
var ErrNoCredential = errors.New("no credential stored")

// Token converts the credential into an oauth2 token with the expiry read
// from the access JWT, suitable for use with standard token plumbing.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.Access,
		RefreshToken: c.Refresh,
		TokenType:    "Bearer",
		Expiry:       AccessExpiry(c.Access),
	}
}

// AccessExpiry extracts the exp claim from the access token without
// verifying the signature; the client holds no signing key, and a forged
// expiry only causes an extra refresh round-trip. A missing or unreadable
// claim yields the zero time, which callers treat as already expired.
func AccessExpiry(access string) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(access, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
