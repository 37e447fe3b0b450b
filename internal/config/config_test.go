package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"LISTEN_ADDR",
		"ISSUER",
		"JWT_SECRET",
		"JWT_KEYS",
		"JWT_KEY_FILES",
		"JWT_DEFAULT_KEY_ID",
		"JWT_VALID_METHODS",
		"ACCESS_TOKEN_TTL",
		"ID_TOKEN_TTL",
		"AUTHORIZATION_TTL",
		"SESSION_TTL",
		"REFRESH_REUSE_REVOKES_SESSION",
		"SUPPORTED_SCOPES",
		"ENABLE_REGISTRATION",
		"ENABLE_PASSWORD_GRANT",
		"STORE_BACKEND",
		"BOLT_PATH",
		"REDIS_ADDR",
		"REDIS_USERNAME",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_KEY_PREFIX",
		"DATABASE_URL",
		"SEED_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the minimum env vars for a valid config.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ISSUER", "https://auth.example.com/")
	t.Setenv("JWT_SECRET", testSecret)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.Issuer, "trailing slash trimmed")
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, time.Hour, cfg.IDTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthorizationTTL)
	assert.Equal(t, 720*time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.RefreshReuseRevokesSession)
	assert.Equal(t, []string{"openid", "email", "profile", "phone"}, cfg.SupportedScopes)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.True(t, cfg.EnableRegistration)
	assert.False(t, cfg.EnablePasswordGrant)
	assert.Equal(t, "authflow:", cfg.RedisKeyPrefix)
}

func TestLoad_MissingIssuer(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("JWT_SECRET", testSecret)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISSUER")
}

func TestLoad_RelativeIssuer(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ISSUER", "auth.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
}

func TestLoad_ProductionRequiresHTTPS(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ISSUER", "http://auth.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")
}

func TestLoad_NoSigningMaterial(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ISSUER", "https://auth.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_ShortSecret(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")
}

func TestLoad_KeySetWithoutSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ISSUER", "https://auth.example.com")
	t.Setenv("JWT_KEYS", `[{"kty":"oct","kid":"k1","k":"AAAA"}]`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, `[{"kty":"oct","kid":"k1","k":"AAAA"}]`, cfg.KeysConfig().KeySet)
}

func TestLoad_DurationsParsed(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ACCESS_TOKEN_TTL", "15m")
	t.Setenv("SESSION_TTL", "24h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
}

func TestLoad_NonPositiveTTL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("AUTHORIZATION_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHORIZATION_TTL")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ID_TOKEN_TTL", "forever")

	_, err := Load()
	assert.Error(t, err)
}

// --- Load: storage backends ---

func TestLoad_BoltDefaultPath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STORE_BACKEND", "bolt")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(cfg.BoltPath, filepath.Join(".authflow", "authflow.db")))
}

func TestLoad_RedisRequiresAddr(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STORE_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_UnknownBackend(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo")
}

// --- Helpers ---

func TestValidMethods(t *testing.T) {
	cfg := &Config{JWTValidMethods: []string{"ES256", " RS256 ", ""}}
	assert.Equal(t, []jose.SignatureAlgorithm{jose.ES256, jose.RS256}, cfg.ValidMethods())

	assert.Nil(t, (&Config{}).ValidMethods())
}

func TestKeysConfig(t *testing.T) {
	cfg := &Config{JWTSecret: "s", JWTKeyFiles: []string{"a.pem"}, JWTDefaultKeyID: "k1"}
	kc := cfg.KeysConfig()

	assert.Equal(t, "s", kc.Secret)
	assert.Equal(t, []string{"a.pem"}, kc.PEMFiles)
	assert.Equal(t, "k1", kc.DefaultKeyID)
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

// --- Seed ---

func writeSeed(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadSeed_Valid(t *testing.T) {
	path := writeSeed(t, `
clients:
  - client_id: web
    client_name: Web App
    client_type: confidential
    token_endpoint_auth_method: client_secret_basic
    client_secret: s3cr3t
    redirect_uris:
      - https://app.example.com/cb
  - client_id: cli
    client_type: public
    token_endpoint_auth_method: none
    redirect_uris: ["http://127.0.0.1/cb"]
users:
  - id: user-1
    email: alice@example.com
    email_verified: true
    password_hash: $2a$10$abcdefghijklmnopqrstuv
`)

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Clients, 2)
	assert.Equal(t, "web", seed.Clients[0].ID)
	assert.Equal(t, "s3cr3t", seed.Clients[0].Secret)
	assert.Equal(t, []string{"http://127.0.0.1/cb"}, seed.Clients[1].RedirectURIs)
	require.Len(t, seed.Users, 1)
	assert.True(t, seed.Users[0].EmailVerified)
}

func TestLoadSeed_PublicClientWithSecret(t *testing.T) {
	path := writeSeed(t, `
clients:
  - client_id: cli
    client_type: public
    client_secret: nope
    redirect_uris: ["http://127.0.0.1/cb"]
`)

	_, err := LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not have a secret")
}

func TestLoadSeed_ConfidentialWithoutSecret(t *testing.T) {
	path := writeSeed(t, `
clients:
  - client_id: web
    client_type: confidential
    redirect_uris: ["https://a/cb"]
`)

	_, err := LoadSeed(path)
	assert.Error(t, err)
}

func TestLoadSeed_DuplicateClient(t *testing.T) {
	path := writeSeed(t, `
clients:
  - client_id: cli
    client_type: public
    redirect_uris: ["http://127.0.0.1/cb"]
  - client_id: cli
    client_type: public
    redirect_uris: ["http://127.0.0.1/cb"]
`)

	_, err := LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadSeed_MissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSeed_BadYAML(t *testing.T) {
	_, err := LoadSeed(writeSeed(t, "clients: [unterminated"))
	assert.Error(t, err)
}
