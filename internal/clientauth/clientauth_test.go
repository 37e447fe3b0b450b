package clientauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAuthenticator(t *testing.T, clients ...*models.OAuthClient) *Authenticator {
	t.Helper()

	store := memory.New()
	for _, c := range clients {
		require.NoError(t, store.CreateClient(context.Background(), c))
	}

	return New(store, testLogger())
}

func confidentialClient(secret string) *models.OAuthClient {
	return &models.OAuthClient{
		ID:                      "conf-client",
		Type:                    models.ClientTypeConfidential,
		SecretHash:              HashSecret(secret),
		TokenEndpointAuthMethod: models.AuthMethodClientSecretBasic,
		RedirectURIs:            []string{"https://app.example.com/cb"},
	}
}

func publicClient() *models.OAuthClient {
	return &models.OAuthClient{
		ID:                      "pub-client",
		Type:                    models.ClientTypePublic,
		TokenEndpointAuthMethod: models.AuthMethodNone,
		RedirectURIs:            []string{"http://127.0.0.1/cb"},
	}
}

// --- Authenticate ---

func TestAuthenticate_ConfidentialCorrectSecret(t *testing.T) {
	a := newAuthenticator(t, confidentialClient("s3cr3t"))

	c, err := a.Authenticate(context.Background(), Credentials{
		ClientID: "conf-client",
		Secret:   "s3cr3t",
		Method:   models.AuthMethodClientSecretBasic,
	})
	require.NoError(t, err)
	assert.Equal(t, "conf-client", c.ID)
}

func TestAuthenticate_ConfidentialWrongSecret(t *testing.T) {
	a := newAuthenticator(t, confidentialClient("s3cr3t"))

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: "conf-client", Secret: "v"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
	assert.Equal(t, apperrors.KindAuthentication, apperrors.KindOf(err))
}

func TestAuthenticate_ConfidentialMissingSecret(t *testing.T) {
	a := newAuthenticator(t, confidentialClient("s3cr3t"))

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: "conf-client"})
	assert.True(t, errors.Is(err, apperrors.ErrMissingClientSecret))
}

func TestAuthenticate_PublicWithoutSecret(t *testing.T) {
	a := newAuthenticator(t, publicClient())

	c, err := a.Authenticate(context.Background(), Credentials{ClientID: "pub-client", Method: models.AuthMethodNone})
	require.NoError(t, err)
	assert.True(t, c.IsPublic())
}

func TestAuthenticate_PublicWithSecretRejected(t *testing.T) {
	a := newAuthenticator(t, publicClient())

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: "pub-client", Secret: "anything"})
	assert.True(t, errors.Is(err, apperrors.ErrUnexpectedClientSecret))
}

func TestAuthenticate_UnknownClient(t *testing.T) {
	a := newAuthenticator(t)

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: "ghost", Secret: "x"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

func TestAuthenticate_EmptyClientID(t *testing.T) {
	a := newAuthenticator(t)

	_, err := a.Authenticate(context.Background(), Credentials{})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

func TestAuthenticate_DeletedClient(t *testing.T) {
	c := confidentialClient("s3cr3t")
	deleted := time.Now()
	c.DeletedAt = &deleted

	a := newAuthenticator(t, c)

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: c.ID, Secret: "s3cr3t"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

func TestAuthenticate_MethodMismatch(t *testing.T) {
	a := newAuthenticator(t, confidentialClient("s3cr3t"))

	_, err := a.Authenticate(context.Background(), Credentials{
		ClientID: "conf-client",
		Secret:   "s3cr3t",
		Method:   models.AuthMethodClientSecretPost,
	})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

func TestAuthenticate_BcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cr3t"), bcrypt.MinCost)
	require.NoError(t, err)

	c := confidentialClient("")
	c.SecretHash = string(hash)
	a := newAuthenticator(t, c)

	_, err = a.Authenticate(context.Background(), Credentials{ClientID: c.ID, Secret: "s3cr3t"})
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), Credentials{ClientID: c.ID, Secret: "v"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

func TestAuthenticate_MalformedHashNeverMatches(t *testing.T) {
	c := confidentialClient("")
	c.SecretHash = "not-hex"
	a := newAuthenticator(t, c)

	_, err := a.Authenticate(context.Background(), Credentials{ClientID: c.ID, Secret: "not-hex"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
}

// --- Secrets ---

func TestCompareSecret(t *testing.T) {
	ok, err := CompareSecret(HashSecret("abc"), "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CompareSecret(HashSecret("abc"), "abd")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CompareSecret("deadbeef", "abc")
	assert.Error(t, err)
}

func TestGenerateSecret_Unique(t *testing.T) {
	a, b := GenerateSecret(), GenerateSecret()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

// --- CredentialsFromRequest ---

func formRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, r.ParseForm())

	return r
}

func TestCredentialsFromRequest_BasicWins(t *testing.T) {
	r := formRequest(t, url.Values{"client_id": {"body-id"}, "client_secret": {"body-secret"}})
	r.SetBasicAuth("hdr%3Aid", "p%40ss")

	creds := CredentialsFromRequest(r)
	assert.Equal(t, "hdr:id", creds.ClientID)
	assert.Equal(t, "p@ss", creds.Secret)
	assert.Equal(t, models.AuthMethodClientSecretBasic, creds.Method)
}

func TestCredentialsFromRequest_Post(t *testing.T) {
	r := formRequest(t, url.Values{"client_id": {"c1"}, "client_secret": {"s"}})

	creds := CredentialsFromRequest(r)
	assert.Equal(t, Credentials{ClientID: "c1", Secret: "s", Method: models.AuthMethodClientSecretPost}, creds)
}

func TestCredentialsFromRequest_PublicClient(t *testing.T) {
	r := formRequest(t, url.Values{"client_id": {"c1"}})

	creds := CredentialsFromRequest(r)
	assert.Equal(t, models.AuthMethodNone, creds.Method)
	assert.Empty(t, creds.Secret)
}

func TestCredentialsFromRequest_BadEscapeFallsBackToBody(t *testing.T) {
	r := formRequest(t, url.Values{"client_id": {"c1"}})
	r.SetBasicAuth("bad%zz", "x")

	creds := CredentialsFromRequest(r)
	assert.Equal(t, "c1", creds.ClientID)
}
