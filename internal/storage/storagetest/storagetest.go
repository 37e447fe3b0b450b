// Package storagetest is a conformance suite run by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"ClientCRUD", testClientCRUD},
		{"ClientDuplicate", testClientDuplicate},
		{"SessionRoundTrip", testSessionRoundTrip},
		{"RefreshCounterCAS", testRefreshCounterCAS},
		{"RefreshCounterRace", testRefreshCounterRace},
		{"RevokeSession", testRevokeSession},
		{"AuthorizationLifecycle", testAuthorizationLifecycle},
		{"AuthorizationBindUser", testAuthorizationBindUser},
		{"AuthorizationDeny", testAuthorizationDeny},
		{"AuthorizationExpire", testAuthorizationExpire},
		{"CodeConsumeRace", testCodeConsumeRace},
		{"ConsentUpsertAndRevoke", testConsentUpsertAndRevoke},
		{"Users", testUsers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()

	if assert.NotNil(t, got) {
		assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
	}
}

// --- Clients ---

func testClientCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	c := &models.OAuthClient{
		ID:                      "client-1",
		Name:                    "Test App",
		SecretHash:              "abc",
		Type:                    models.ClientTypeConfidential,
		TokenEndpointAuthMethod: models.AuthMethodClientSecretBasic,
		RedirectURIs:            []string{"https://app.example.com/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		CreatedAt:               now(),
		UpdatedAt:               now(),
	}
	require.NoError(t, s.CreateClient(ctx, c))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Test App", got.Name)
	assert.Equal(t, models.ClientTypeConfidential, got.Type)
	assert.Equal(t, []string{"https://app.example.com/cb"}, got.RedirectURIs)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, got.GrantTypes)

	got.SecretHash = "rotated"
	deleted := now()
	got.DeletedAt = &deleted
	require.NoError(t, s.UpdateClient(ctx, got))

	again, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", again.SecretHash)
	assertTime(t, deleted, again.DeletedAt)

	err = s.UpdateClient(ctx, &models.OAuthClient{ID: "missing"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testClientDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c := &models.OAuthClient{ID: "dup", Type: models.ClientTypePublic, RedirectURIs: []string{"https://a/cb"}}
	require.NoError(t, s.CreateClient(ctx, c))

	err := s.CreateClient(ctx, c)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))
}

// --- Sessions ---

func newSession() *models.Session {
	return &models.Session{
		ID:        uuid.New(),
		UserID:    "user-1",
		ClientID:  "client-1",
		HMACKey:   []byte("0123456789abcdef0123456789abcdef"),
		Scope:     "openid email",
		AAL:       models.AAL1,
		AMR:       []string{"password"},
		CreatedAt: now(),
		ExpiresAt: now().Add(time.Hour),
	}
}

func testSessionRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession()

	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.HMACKey, got.HMACKey)
	assert.Equal(t, int64(0), got.RefreshCounter)
	assert.Equal(t, "openid email", got.Scope)
	assert.Equal(t, []string{"password"}, got.AMR)
	assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))
	assert.Nil(t, got.RevokedAt)

	_, err = s.GetSession(ctx, uuid.New())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testRefreshCounterCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))

	n, err := s.IncrementRefreshCounter(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.IncrementRefreshCounter(ctx, sess.ID, 0)
	assert.True(t, errors.Is(err, storage.ErrConflict), "stale expected value must conflict: %v", err)

	n, err = s.IncrementRefreshCounter(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RefreshCounter)

	_, err = s.IncrementRefreshCounter(ctx, uuid.New(), 0)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testRefreshCounterRace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))

	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.IncrementRefreshCounter(ctx, sess.ID, 0)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func testRevokeSession(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))

	at := now()
	require.NoError(t, s.RevokeSession(ctx, sess.ID, at))
	require.NoError(t, s.RevokeSession(ctx, sess.ID, at.Add(time.Minute)), "revoking twice is a no-op")

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assertTime(t, at, got.RevokedAt)
}

// --- Authorizations ---

func newAuthorization(id, code string) *models.OAuthAuthorization {
	return &models.OAuthAuthorization{
		ID:                  id,
		ClientID:            "client-1",
		Code:                code,
		Scope:               "openid",
		RedirectURI:         "https://app.example.com/cb",
		State:               "xyz",
		Nonce:               "n-1",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSW-cM",
		CodeChallengeMethod: "s256",
		Status:              models.AuthorizationPending,
		CreatedAt:           now(),
		ExpiresAt:           now().Add(10 * time.Minute),
	}
}

func testAuthorizationLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := newAuthorization("authz-1", "code-initial")
	require.NoError(t, s.CreateAuthorization(ctx, a))

	got, err := s.GetAuthorization(ctx, "authz-1")
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationPending, got.Status)
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSW-cM", got.CodeChallenge)
	assert.Equal(t, "n-1", got.Nonce)

	byCode, err := s.GetAuthorizationByCode(ctx, "code-initial")
	require.NoError(t, err)
	assert.Equal(t, "authz-1", byCode.ID)

	at := now()
	require.NoError(t, s.ApproveAuthorization(ctx, "authz-1", "code-approved", at))

	_, err = s.GetAuthorizationByCode(ctx, "code-initial")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "old code must be unindexed")

	approved, err := s.GetAuthorizationByCode(ctx, "code-approved")
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationApproved, approved.Status)
	assertTime(t, at, approved.ApprovedAt)

	err = s.ApproveAuthorization(ctx, "authz-1", "code-other", at)
	assert.True(t, errors.Is(err, storage.ErrConflict), "approve is only valid from pending")

	err = s.ConsumeAuthorizationCode(ctx, "authz-1", "wrong-code", at)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	require.NoError(t, s.ConsumeAuthorizationCode(ctx, "authz-1", "code-approved", at))

	err = s.ConsumeAuthorizationCode(ctx, "authz-1", "code-approved", at)
	assert.True(t, errors.Is(err, storage.ErrConflict), "codes are single use")

	consumed, err := s.GetAuthorizationByCode(ctx, "code-approved")
	require.NoError(t, err, "consumed codes stay resolvable so reuse can be detected")
	assertTime(t, at, consumed.ConsumedAt)

	err = s.ExpireAuthorization(ctx, "authz-1")
	assert.True(t, errors.Is(err, storage.ErrConflict), "consumed authorizations do not expire")

	_, err = s.GetAuthorization(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.ApproveAuthorization(ctx, "missing", "c", at)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testAuthorizationBindUser(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAuthorization(ctx, newAuthorization("authz-bind", "code-bind")))

	require.NoError(t, s.BindAuthorizationUser(ctx, "authz-bind", "user-1"))
	require.NoError(t, s.BindAuthorizationUser(ctx, "authz-bind", "user-1"), "rebinding the same user is fine")

	err := s.BindAuthorizationUser(ctx, "authz-bind", "user-2")
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.GetAuthorization(ctx, "authz-bind")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func testAuthorizationDeny(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAuthorization(ctx, newAuthorization("authz-deny", "code-deny")))

	require.NoError(t, s.DenyAuthorization(ctx, "authz-deny"))

	got, err := s.GetAuthorization(ctx, "authz-deny")
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationDenied, got.Status)
	assert.Empty(t, got.Code)

	_, err = s.GetAuthorizationByCode(ctx, "code-deny")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.DenyAuthorization(ctx, "authz-deny")
	assert.True(t, errors.Is(err, storage.ErrConflict))
}

func testAuthorizationExpire(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAuthorization(ctx, newAuthorization("authz-exp", "code-exp")))

	require.NoError(t, s.ExpireAuthorization(ctx, "authz-exp"))

	got, err := s.GetAuthorization(ctx, "authz-exp")
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationExpired, got.Status)

	_, err = s.GetAuthorizationByCode(ctx, "code-exp")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = s.ApproveAuthorization(ctx, "authz-exp", "code-late", now())
	assert.True(t, errors.Is(err, storage.ErrConflict))
}

func testCodeConsumeRace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAuthorization(ctx, newAuthorization("authz-race", "")))
	require.NoError(t, s.ApproveAuthorization(ctx, "authz-race", "code-race", now()))

	const workers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := s.ConsumeAuthorizationCode(ctx, "authz-race", "code-race", now()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, successes)
}

// --- Consents ---

func testConsentUpsertAndRevoke(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetConsent(ctx, "user-1", "client-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	granted := now()
	require.NoError(t, s.UpsertConsent(ctx, &models.OAuthConsent{
		UserID: "user-1", ClientID: "client-1", Scope: "openid", GrantedAt: granted,
	}))

	revokedAt := now()
	require.NoError(t, s.RevokeConsent(ctx, "user-1", "client-1", revokedAt))

	got, err := s.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assertTime(t, revokedAt, got.RevokedAt)

	require.NoError(t, s.UpsertConsent(ctx, &models.OAuthConsent{
		UserID: "user-1", ClientID: "client-1", Scope: "email openid", GrantedAt: granted,
	}))

	got, err = s.GetConsent(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "email openid", got.Scope)
	assert.Nil(t, got.RevokedAt, "upsert clears revocation")

	require.NoError(t, s.UpsertConsent(ctx, &models.OAuthConsent{
		UserID: "user-1", ClientID: "client-2", Scope: "openid", GrantedAt: granted,
	}))
	require.NoError(t, s.UpsertConsent(ctx, &models.OAuthConsent{
		UserID: "user-2", ClientID: "client-1", Scope: "openid", GrantedAt: granted,
	}))

	list, err := s.ListConsents(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "client-1", list[0].ClientID)
	assert.Equal(t, "client-2", list[1].ClientID)

	err = s.RevokeConsent(ctx, "user-9", "client-1", revokedAt)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// --- Users ---

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	until := now().Add(time.Hour)

	u := &models.User{
		ID:            "user-1",
		Email:         "Alice@Example.com",
		EmailVerified: true,
		PasswordHash:  "$2a$10$hash",
		BannedUntil:   &until,
		CreatedAt:     now(),
	}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.com", got.Email)
	assertTime(t, until, got.BannedUntil)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byEmail.ID)

	err = s.CreateUser(ctx, &models.User{ID: "user-2", Email: "alice@example.com"})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
