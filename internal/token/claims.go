// Package token signs and verifies JWS access and ID tokens.
package token

import (
	"github.com/go-jose/go-jose/v4/jwt"
)

// AccessClaims is the closed claim set of an access token. Extra is merged
// into the payload on issuance and is not populated on verification.
type AccessClaims struct {
	jwt.Claims

	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	AAL         string   `json:"aal,omitempty"`
	AMR         []string `json:"amr,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	IsAnonymous bool     `json:"is_anonymous"`

	Extra map[string]any `json:"-"`
}

// IDTokenClaims is the closed claim set of an OpenID Connect ID token.
type IDTokenClaims struct {
	jwt.Claims

	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
	Email           string           `json:"email,omitempty"`
	EmailVerified   bool             `json:"email_verified"`
	SessionID       string           `json:"sid,omitempty"`

	Extra map[string]any `json:"-"`
}

// idTokenMarkers holds the claims only an ID token carries.
type idTokenMarkers struct {
	Nonce           string `json:"nonce,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
}
