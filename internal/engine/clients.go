package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

const (
	maxRedirectURIs   = 10
	maxClientNameLen  = 256
	maxRedirectURILen = 2048
)

// ClientRegistration is a dynamic client registration request (RFC 7591).
type ClientRegistration struct {
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
}

// RegisterClient creates a client. Clients registering with auth method
// "none" are public; the others are confidential and get a secret that is
// returned once and stored only as a hash.
func (e *Engine) RegisterClient(ctx context.Context, reg ClientRegistration) (*models.OAuthClient, string, error) {
	if len(reg.Name) > maxClientNameLen {
		return nil, "", apperrors.ErrInvalidRequest.Describe("client_name too long")
	}

	if len(reg.RedirectURIs) == 0 {
		return nil, "", apperrors.ErrInvalidRequest.Describe("redirect_uris is required")
	}

	if len(reg.RedirectURIs) > maxRedirectURIs {
		return nil, "", apperrors.ErrInvalidRequest.Describe("too many redirect_uris")
	}

	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	for _, g := range reg.GrantTypes {
		if g != GrantAuthorizationCode && g != GrantRefreshToken && g != GrantPassword {
			return nil, "", apperrors.ErrInvalidRequest.Describe("unsupported grant_type %q", g)
		}
	}

	method := reg.TokenEndpointAuthMethod
	if method == "" {
		method = models.AuthMethodClientSecretBasic
	}

	client := &models.OAuthClient{
		ID:                      uuid.NewString(),
		Name:                    reg.Name,
		TokenEndpointAuthMethod: method,
		RedirectURIs:            reg.RedirectURIs,
		GrantTypes:              reg.GrantTypes,
		CreatedAt:               e.now(),
		UpdatedAt:               e.now(),
	}

	var secret string

	switch method {
	case models.AuthMethodNone:
		client.Type = models.ClientTypePublic
	case models.AuthMethodClientSecretBasic, models.AuthMethodClientSecretPost:
		client.Type = models.ClientTypeConfidential
		secret = clientauth.GenerateSecret()
		client.SecretHash = clientauth.HashSecret(secret)
	default:
		return nil, "", apperrors.ErrInvalidRequest.Describe("unsupported token_endpoint_auth_method %q", method)
	}

	if err := e.store.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("creating client: %w", err)
	}

	e.logger.Info("client registered",
		slog.String("client_id", client.ID),
		slog.String("client_type", string(client.Type)),
	)
	e.emit(ctx, Event{Type: EventClientRegistered, ClientID: client.ID})

	return client, secret, nil
}

// validateRedirectURI accepts absolute URIs without fragments. Plain http is
// allowed only for loopback hosts.
func validateRedirectURI(raw string) error {
	if len(raw) > maxRedirectURILen {
		return apperrors.ErrInvalidRequest.Describe("redirect_uri too long")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return apperrors.ErrInvalidRequest.Describe("redirect_uri %q is not an absolute URI", raw)
	}

	if u.Fragment != "" || strings.Contains(raw, "#") {
		return apperrors.ErrInvalidRequest.Describe("redirect_uri must not contain a fragment")
	}

	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return apperrors.ErrInvalidRequest.Describe("redirect_uri %q has no host", raw)
		}
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return apperrors.ErrInvalidRequest.Describe("http redirect_uri is only allowed for loopback hosts")
		}
	default:
		// Private-use schemes for native apps (RFC 8252 section 7.1) must
		// contain a period.
		if !strings.Contains(u.Scheme, ".") {
			return apperrors.ErrInvalidRequest.Describe("redirect_uri scheme %q is not allowed", u.Scheme)
		}
	}

	return nil
}

// activeClient loads a client that has not been deleted.
func (e *Engine) activeClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrClientNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if client.DeletedAt != nil {
		return nil, apperrors.ErrClientNotFound
	}

	return client, nil
}

// RotateClientSecret issues a new secret for a confidential client. The old
// secret stops working immediately.
func (e *Engine) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	client, err := e.activeClient(ctx, clientID)
	if err != nil {
		return "", err
	}

	if client.IsPublic() {
		return "", apperrors.ErrInvalidRequest.Describe("public clients have no secret")
	}

	secret := clientauth.GenerateSecret()
	client.SecretHash = clientauth.HashSecret(secret)
	client.UpdatedAt = e.now()

	if err := e.store.UpdateClient(ctx, client); err != nil {
		return "", fmt.Errorf("updating client: %w", err)
	}

	e.logger.Info("client secret rotated", slog.String("client_id", client.ID))

	return secret, nil
}

// DeleteClient soft-deletes a client. Its pending authorizations and
// sessions fail client authentication from then on.
func (e *Engine) DeleteClient(ctx context.Context, clientID string) error {
	client, err := e.activeClient(ctx, clientID)
	if err != nil {
		return err
	}

	now := e.now()
	client.DeletedAt = &now
	client.UpdatedAt = now

	if err := e.store.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("updating client: %w", err)
	}

	e.logger.Info("client deleted", slog.String("client_id", client.ID))
	e.emit(ctx, Event{Type: EventClientDeleted, ClientID: client.ID})

	return nil
}
