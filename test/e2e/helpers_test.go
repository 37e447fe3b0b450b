package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/keys"
	"github.com/alexjbarnes/authflow/internal/metrics"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/server"
	"github.com/alexjbarnes/authflow/internal/storage/memory"
	"github.com/alexjbarnes/authflow/internal/token"
)

const (
	testEmail     = "alice@example.com"
	testPassword  = "correct horse battery staple"
	webClientID   = "web"
	webSecret     = "e2e-test-secret-value"
	webRedirect   = "https://app.example.com/callback"
	cliClientID   = "cli"
	cliRedirect   = "http://127.0.0.1:19876/callback"
	jwtTestSecret = "super-secret-jwt-token-with-at-least-32-characters"
)

var csrfField = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

// harness holds the full e2e stack: a real HTTP server over a memory store
// seeded with one user, a confidential client and a public client.
type harness struct {
	URL     string
	Store   *memory.Store
	Metrics *metrics.Metrics
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	jwk, err := keys.GenerateKey(jose.ES256)
	require.NoError(t, err)

	raw, err := json.Marshal([]jose.JSONWebKey{jwk})
	require.NoError(t, err)

	reg, err := keys.NewRegistry(keys.Config{Secret: jwtTestSecret, KeySet: string(raw)})
	require.NoError(t, err)

	store := memory.New()
	seed(t, store)

	// Use NewUnstartedServer so the issuer can be read from the listener
	// before building the router.
	ts := httptest.NewUnstartedServer(nil)
	issuer := "http://" + ts.Listener.Addr().String()

	m := metrics.New()
	signer := token.NewSigner(reg, token.Config{Issuer: issuer, AccessTTL: time.Hour, IDTokenTTL: time.Hour}, logger)
	eng := engine.New(store, signer, engine.Config{
		AuthorizationTTL:           10 * time.Minute,
		SessionTTL:                 24 * time.Hour,
		SupportedScopes:            []string{"openid", "email", "profile"},
		RefreshReuseRevokesSession: true,
	}, logger, engine.WithEventHook(m.Observe))

	ts.Config.Handler = server.NewRouter(server.Config{
		Engine:        eng,
		Keys:          reg,
		Metrics:       m,
		Logger:        logger,
		Issuer:        issuer,
		Registration:  true,
		PasswordGrant: true,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{URL: issuer, Store: store, Metrics: m, Client: ts.Client()}
}

func seed(t *testing.T, store *memory.Store) {
	t.Helper()

	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, store.CreateUser(ctx, &models.User{
		ID:            "user-1",
		Email:         testEmail,
		EmailVerified: true,
		PasswordHash:  string(hash),
	}))
	require.NoError(t, store.CreateClient(ctx, &models.OAuthClient{
		ID:                      webClientID,
		Name:                    "Web App",
		Type:                    models.ClientTypeConfidential,
		SecretHash:              clientauth.HashSecret(webSecret),
		TokenEndpointAuthMethod: models.AuthMethodClientSecretBasic,
		RedirectURIs:            []string{webRedirect},
	}))
	require.NoError(t, store.CreateClient(ctx, &models.OAuthClient{
		ID:                      cliClientID,
		Type:                    models.ClientTypePublic,
		TokenEndpointAuthMethod: models.AuthMethodNone,
		RedirectURIs:            []string{cliRedirect},
		GrantTypes:              []string{engine.GrantAuthorizationCode, engine.GrantRefreshToken, engine.GrantPassword},
	}))
}

// oauthContext makes x/oauth2 use the test server's client.
func (h *harness) oauthContext(t *testing.T) context.Context {
	return context.WithValue(t.Context(), oauth2.HTTPClient, h.Client)
}

func (h *harness) webConfig(scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     webClientID,
		ClientSecret: webSecret,
		RedirectURL:  webRedirect,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.URL + "/oauth/authorize",
			TokenURL:  h.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (h *harness) cliConfig(scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    cliClientID,
		RedirectURL: cliRedirect,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.URL + "/oauth/authorize",
			TokenURL:  h.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// browser is a cookie-keeping user agent that follows redirects within the
// server and stops at the redirect back to the client.
type browser struct {
	t      *testing.T
	h      *harness
	client *http.Client
}

func (h *harness) newBrowser(t *testing.T) *browser {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	origin, err := url.Parse(h.URL)
	require.NoError(t, err)

	client := *h.Client
	client.Jar = jar
	client.CheckRedirect = func(req *http.Request, _ []*http.Request) error {
		if req.URL.Host != origin.Host {
			return http.ErrUseLastResponse
		}

		return nil
	}

	return &browser{t: t, h: h, client: &client}
}

func (b *browser) get(fullURL string) (*http.Response, string) {
	b.t.Helper()

	req, err := http.NewRequestWithContext(b.t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(b.t, err)

	return b.do(req)
}

func (b *browser) postForm(path string, form url.Values) (*http.Response, string) {
	b.t.Helper()

	req, err := http.NewRequestWithContext(b.t.Context(), http.MethodPost, b.h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return b.do(req)
}

func (b *browser) do(req *http.Request) (*http.Response, string) {
	b.t.Helper()

	resp, err := b.client.Do(req)
	require.NoError(b.t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)

	return resp, string(body)
}

func csrfFrom(t *testing.T, body string) string {
	t.Helper()

	m := csrfField.FindStringSubmatch(body)
	require.Len(t, m, 2, "page has no csrf token")

	return m[1]
}

// authorize drives the browser through sign in and the consent screen
// and returns the redirect back to the client. Sign in is skipped when
// the browser already has a session.
func (b *browser) authorize(authURL, action string) *url.URL {
	b.t.Helper()

	resp, body := b.get(authURL)

	if resp.StatusCode == http.StatusOK && strings.Contains(body, `value="login"`) {
		resp, body = b.postForm("/oauth/consent", url.Values{
			"action":           {"login"},
			"authorization_id": {resp.Request.URL.Query().Get("authorization_id")},
			"csrf_token":       {csrfFrom(b.t, body)},
			"email":            {testEmail},
			"password":         {testPassword},
		})
	}

	if resp.StatusCode == http.StatusOK {
		require.Contains(b.t, body, "is requesting access")

		resp, _ = b.postForm("/oauth/consent", url.Values{
			"action":           {action},
			"authorization_id": {resp.Request.URL.Query().Get("authorization_id")},
			"csrf_token":       {csrfFrom(b.t, body)},
		})
	}

	require.Equal(b.t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(b.t, err)

	return loc
}

// codeFor runs the browser part of the flow for conf and returns the code.
func (h *harness) codeFor(t *testing.T, b *browser, conf *oauth2.Config, verifier string) string {
	t.Helper()

	loc := b.authorize(conf.AuthCodeURL("e2e-state",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", "e2e-nonce"),
	), "approve")

	require.Equal(t, "e2e-state", loc.Query().Get("state"))
	require.Equal(t, h.URL, loc.Query().Get("iss"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	return code
}

func (h *harness) jwks(t *testing.T) *jose.JSONWebKeySet {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/.well-known/jwks.json")
	require.NoError(t, err)

	defer resp.Body.Close()

	var set jose.JSONWebKeySet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))

	return &set
}

func (h *harness) postForm(t *testing.T, path string, form url.Values, user, pass string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

func jsonBody(t *testing.T, v any) *strings.Reader {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return strings.NewReader(string(b))
}
