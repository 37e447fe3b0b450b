// Package models defines types shared across internal packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ClientType distinguishes clients that can keep a secret from those that
// cannot.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// Token endpoint authentication methods (RFC 7591 section 2).
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// OAuthClient is a registered OAuth client. Public clients never hold a
// secret hash.
type OAuthClient struct {
	ID                      string     `json:"client_id" yaml:"client_id"`
	Name                    string     `json:"client_name,omitempty" yaml:"client_name"`
	SecretHash              string     `json:"secret_hash,omitempty" yaml:"secret_hash"`
	Type                    ClientType `json:"client_type" yaml:"client_type"`
	TokenEndpointAuthMethod string     `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
	RedirectURIs            []string   `json:"redirect_uris" yaml:"redirect_uris"`
	GrantTypes              []string   `json:"grant_types,omitempty" yaml:"grant_types"`
	CreatedAt               time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt               time.Time  `json:"updated_at" yaml:"-"`
	DeletedAt               *time.Time `json:"deleted_at,omitempty" yaml:"-"`
}

// IsPublic reports whether the client is public.
func (c *OAuthClient) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}

	return false
}

// AllowsGrant reports whether the client may use grantType. Clients with no
// declared grant types may use authorization_code and refresh_token.
func (c *OAuthClient) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == "authorization_code" || grantType == "refresh_token"
	}

	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}

	return false
}

// AuthorizationStatus is the lifecycle state of an OAuthAuthorization.
type AuthorizationStatus string

const (
	AuthorizationPending  AuthorizationStatus = "pending"
	AuthorizationApproved AuthorizationStatus = "approved"
	AuthorizationDenied   AuthorizationStatus = "denied"
	AuthorizationExpired  AuthorizationStatus = "expired"
)

// OAuthAuthorization is one in-flight authorization request. UserID is empty
// until a user first resolves it. Code is single use: ConsumedAt is set when
// it is exchanged.
type OAuthAuthorization struct {
	ID                  string              `json:"id"`
	ClientID            string              `json:"client_id"`
	UserID              string              `json:"user_id,omitempty"`
	Code                string              `json:"code,omitempty"`
	Scope               string              `json:"scope"`
	RedirectURI         string              `json:"redirect_uri"`
	State               string              `json:"state,omitempty"`
	Nonce               string              `json:"nonce,omitempty"`
	CodeChallenge       string              `json:"code_challenge,omitempty"`
	CodeChallengeMethod string              `json:"code_challenge_method,omitempty"`
	Status              AuthorizationStatus `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
	ExpiresAt           time.Time           `json:"expires_at"`
	ApprovedAt          *time.Time          `json:"approved_at,omitempty"`
	ConsumedAt          *time.Time          `json:"consumed_at,omitempty"`
}

// IsExpired reports whether the authorization has passed its expiry or was
// already marked expired.
func (a *OAuthAuthorization) IsExpired(now time.Time) bool {
	return a.Status == AuthorizationExpired || !now.Before(a.ExpiresAt)
}

// OAuthConsent records the scopes a user granted a client. Revoked rows are
// kept with RevokedAt set.
type OAuthConsent struct {
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id"`
	Scope     string     `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Authenticator assurance levels.
const (
	AAL1 = "aal1"
	AAL2 = "aal2"
	AAL3 = "aal3"
)

// Session is the server-side anchor for refresh tokens. RefreshCounter only
// moves forward.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"user_id"`
	ClientID       string     `json:"client_id,omitempty"`
	HMACKey        []byte     `json:"hmac_key"`
	RefreshCounter int64      `json:"refresh_counter"`
	Scope          string     `json:"scope,omitempty"`
	AAL            string     `json:"aal"`
	AMR            []string   `json:"amr,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// IsActive reports whether the session can still mint tokens.
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// User is a resource owner.
type User struct {
	ID            string     `json:"id" yaml:"id"`
	Email         string     `json:"email" yaml:"email"`
	EmailVerified bool       `json:"email_verified" yaml:"email_verified"`
	PasswordHash  string     `json:"password_hash,omitempty" yaml:"password_hash"`
	BannedUntil   *time.Time `json:"banned_until,omitempty" yaml:"banned_until"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
}

// IsBanned reports whether the user is banned at now.
func (u *User) IsBanned(now time.Time) bool {
	return u.BannedUntil != nil && now.Before(*u.BannedUntil)
}
