// Package clientauth authenticates OAuth clients at the token endpoint.
package clientauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// secretBytes is the entropy of generated client secrets.
const secretBytes = 32

// ClientGetter loads clients by id.
type ClientGetter interface {
	GetClient(ctx context.Context, id string) (*models.OAuthClient, error)
}

// Credentials are the client identity presented on a request. Method is the
// authentication method actually used.
type Credentials struct {
	ClientID string
	Secret   string
	Method   string
}

// Authenticator checks presented credentials against registered clients.
type Authenticator struct {
	clients ClientGetter
	logger  *slog.Logger
}

// New creates an Authenticator.
func New(clients ClientGetter, logger *slog.Logger) *Authenticator {
	return &Authenticator{clients: clients, logger: logger}
}

// Authenticate returns the client identified by creds. Unknown, deleted and
// wrongly authenticated clients all fail with ErrInvalidClient so the
// response does not reveal which clients exist.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*models.OAuthClient, error) {
	if creds.ClientID == "" {
		return nil, apperrors.ErrInvalidClient.Describe("client_id is required")
	}

	client, err := a.clients.GetClient(ctx, creds.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidClient
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if client.DeletedAt != nil {
		return nil, apperrors.ErrInvalidClient
	}

	if client.IsPublic() {
		if creds.Secret != "" {
			return nil, apperrors.ErrUnexpectedClientSecret
		}

		return client, nil
	}

	if creds.Secret == "" {
		return nil, apperrors.ErrMissingClientSecret
	}

	if client.TokenEndpointAuthMethod != "" && creds.Method != "" && creds.Method != client.TokenEndpointAuthMethod {
		a.logger.Warn("client used undeclared auth method",
			slog.String("client_id", client.ID),
			slog.String("declared", client.TokenEndpointAuthMethod),
			slog.String("used", creds.Method),
		)

		return nil, apperrors.ErrInvalidClient
	}

	ok, err := CompareSecret(client.SecretHash, creds.Secret)
	if err != nil {
		a.logger.Error("client secret hash unreadable", slog.String("client_id", client.ID), slog.String("error", err.Error()))
		return nil, apperrors.ErrInvalidClient.WithCause(err)
	}

	if !ok {
		a.logger.Warn("client secret mismatch", slog.String("client_id", client.ID))
		return nil, apperrors.ErrInvalidClient
	}

	return client, nil
}

// HashSecret returns the stored form of a client secret: hex SHA-256.
// Client secrets are high-entropy random strings, so a fast hash suffices.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// CompareSecret checks secret against a stored hash. Hashes beginning with
// "$2" are bcrypt; everything else must be 64 hex characters of SHA-256.
// A malformed hash is an error, never a match.
func CompareSecret(storedHash, secret string) (bool, error) {
	if strings.HasPrefix(storedHash, "$2") {
		err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}

		if err != nil {
			return false, fmt.Errorf("comparing bcrypt hash: %w", err)
		}

		return true, nil
	}

	expected, err := hex.DecodeString(storedHash)
	if err != nil || len(expected) != sha256.Size {
		return false, fmt.Errorf("stored secret hash is not a SHA-256 hex digest")
	}

	got := sha256.Sum256([]byte(secret))

	return subtle.ConstantTimeCompare(expected, got[:]) == 1, nil
}

// GenerateSecret returns a new random client secret.
func GenerateSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

// CredentialsFromRequest extracts client credentials from HTTP basic auth or
// the form body. The header wins when it parses; body values are used only
// when it is absent or unparseable. The form must already be parsed.
func CredentialsFromRequest(r *http.Request) Credentials {
	if id, secret, ok := basicAuth(r); ok {
		return Credentials{ClientID: id, Secret: secret, Method: models.AuthMethodClientSecretBasic}
	}

	creds := Credentials{
		ClientID: r.PostFormValue("client_id"),
		Secret:   r.PostFormValue("client_secret"),
		Method:   models.AuthMethodNone,
	}

	if creds.Secret != "" {
		creds.Method = models.AuthMethodClientSecretPost
	}

	return creds
}

// basicAuth parses the Authorization header. RFC 6749 section 2.3.1 requires
// the id and secret to be form-urlencoded before base64 encoding.
func basicAuth(r *http.Request) (string, string, bool) {
	id, secret, ok := r.BasicAuth()
	if !ok || id == "" {
		return "", "", false
	}

	decodedID, err := url.QueryUnescape(id)
	if err != nil {
		return "", "", false
	}

	decodedSecret, err := url.QueryUnescape(secret)
	if err != nil {
		return "", "", false
	}

	return decodedID, decodedSecret, true
}
