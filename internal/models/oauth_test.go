package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOAuthClient_HasRedirectURI_ExactMatch(t *testing.T) {
	c := &OAuthClient{RedirectURIs: []string{"https://app.example.com/cb"}}

	assert.True(t, c.HasRedirectURI("https://app.example.com/cb"))
	assert.False(t, c.HasRedirectURI("https://app.example.com/cb/"))
	assert.False(t, c.HasRedirectURI("https://app.example.com/cb?x=1"))
	assert.False(t, c.HasRedirectURI(""))
}

func TestOAuthClient_AllowsGrant(t *testing.T) {
	c := &OAuthClient{}
	assert.True(t, c.AllowsGrant("authorization_code"))
	assert.True(t, c.AllowsGrant("refresh_token"))
	assert.False(t, c.AllowsGrant("password"))

	c.GrantTypes = []string{"authorization_code"}
	assert.True(t, c.AllowsGrant("authorization_code"))
	assert.False(t, c.AllowsGrant("refresh_token"))
}

func TestOAuthAuthorization_IsExpired(t *testing.T) {
	now := time.Now()
	a := &OAuthAuthorization{Status: AuthorizationPending, ExpiresAt: now.Add(time.Minute)}

	assert.False(t, a.IsExpired(now))
	assert.True(t, a.IsExpired(now.Add(time.Minute)), "expiry instant itself counts as expired")

	a.Status = AuthorizationExpired
	assert.True(t, a.IsExpired(now))
}

func TestSession_IsActive(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, s.IsActive(now))
	assert.False(t, s.IsActive(now.Add(2*time.Hour)))

	revoked := now
	s.RevokedAt = &revoked
	assert.False(t, s.IsActive(now))
}

func TestUser_IsBanned(t *testing.T) {
	now := time.Now()
	u := &User{}
	assert.False(t, u.IsBanned(now))

	until := now.Add(time.Hour)
	u.BannedUntil = &until
	assert.True(t, u.IsBanned(now))
	assert.False(t, u.IsBanned(now.Add(2*time.Hour)))
}
