package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/pkce"
	"github.com/alexjbarnes/authflow/internal/refresh"
	"github.com/alexjbarnes/authflow/internal/scope"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/token"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantPassword          = "password"
)

// Authentication methods recorded in the amr claim.
const (
	amrPassword = "pwd"
	amrOAuth    = "oauth"
)

// roleAuthenticated is the role claim of every user token.
const roleAuthenticated = "authenticated"

// dummyHash is compared against when a sign-in names an unknown user so
// the response time does not reveal whether the account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authflow-dummy-password"), bcrypt.DefaultCost)

// TokenBundle is the token endpoint response.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// CodeExchange is an authorization_code grant request.
type CodeExchange struct {
	Client       clientauth.Credentials
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshExchange is a refresh_token grant request. Client credentials are
// checked when the session was issued to a client.
type RefreshExchange struct {
	Client       clientauth.Credentials
	RefreshToken string
}

// PasswordGrant is a first-party sign in with email and password. Client is
// optional; when present the session is bound to that client.
type PasswordGrant struct {
	Client   clientauth.Credentials
	Email    string
	Password string
	Scope    string
}

// ExchangeAuthorizationCode redeems an approved authorization code. The code
// is consumed with a conditional update so exactly one concurrent exchange
// succeeds.
func (e *Engine) ExchangeAuthorizationCode(ctx context.Context, req CodeExchange) (*TokenBundle, error) {
	client, err := e.clients.Authenticate(ctx, req.Client)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(GrantAuthorizationCode) {
		return nil, apperrors.ErrUnauthorizedClient
	}

	if req.Code == "" {
		return nil, apperrors.ErrInvalidRequest.Describe("code is required")
	}

	authz, err := e.store.GetAuthorizationByCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidGrant.Describe("authorization code is invalid")
	}

	if err != nil {
		return nil, fmt.Errorf("loading authorization: %w", err)
	}

	if authz.ConsumedAt != nil {
		e.logger.Warn("authorization code replayed",
			slog.String("authorization_id", authz.ID),
			slog.String("client_id", client.ID),
		)

		return nil, apperrors.ErrCodeAlreadyConsumed
	}

	if authz.IsExpired(e.now()) {
		e.expire(ctx, authz)
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if authz.Status != models.AuthorizationApproved {
		return nil, apperrors.ErrInvalidGrant.Describe("authorization is not approved")
	}

	if authz.ClientID != client.ID {
		e.logger.Warn("authorization code presented by another client",
			slog.String("authorization_id", authz.ID),
			slog.String("client_id", client.ID),
		)

		return nil, apperrors.ErrInvalidGrant
	}

	if authz.RedirectURI != req.RedirectURI {
		return nil, apperrors.ErrInvalidGrant.Describe("redirect_uri does not match the authorization request")
	}

	ok, err := pkce.Verify(authz.CodeChallenge, authz.CodeChallengeMethod, req.CodeVerifier)
	if err != nil {
		return nil, err
	}

	if !ok {
		e.logger.Warn("PKCE verification failed",
			slog.String("authorization_id", authz.ID),
			slog.String("client_id", client.ID),
		)

		return nil, apperrors.ErrPKCEFailed
	}

	user, err := e.activeUser(ctx, authz.UserID, apperrors.ErrInvalidGrant)
	if err != nil {
		return nil, err
	}

	err = e.store.ConsumeAuthorizationCode(ctx, authz.ID, req.Code, e.now())
	if errors.Is(err, storage.ErrConflict) {
		return nil, apperrors.ErrCodeAlreadyConsumed
	}

	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	sess, err := e.newSession(ctx, user.ID, client.ID, authz.Scope, models.AAL1, []string{amrOAuth})
	if err != nil {
		return nil, err
	}

	bundle, err := e.mint(user, sess, 0, authz.Nonce)
	if err != nil {
		return nil, err
	}

	e.logger.Info("authorization code exchanged",
		slog.String("client_id", client.ID),
		slog.String("user_id", user.ID),
		slog.String("session_id", sess.ID.String()),
	)
	e.emit(ctx, Event{
		Type:      EventTokensIssued,
		ClientID:  client.ID,
		UserID:    user.ID,
		SessionID: sess.ID,
		Grant:     GrantAuthorizationCode,
	})

	return bundle, nil
}

// ExchangeRefreshToken rotates a refresh token. A token older than the
// session's counter is a replay: the session is revoked (when configured)
// and ErrTokenReused returned. Concurrent rotations of the same token race
// on a conditional increment; the loser gets ErrConflict.
func (e *Engine) ExchangeRefreshToken(ctx context.Context, req RefreshExchange) (*TokenBundle, error) {
	var sess *models.Session

	lookup := func(ctx context.Context, id uuid.UUID) ([]byte, error) {
		s, err := e.store.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.ErrInvalidGrant.Describe("refresh token is invalid")
		}

		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}

		if !s.IsActive(e.now()) {
			return nil, apperrors.ErrInvalidGrant.Describe("session expired or revoked")
		}

		sess = s

		return s.HMACKey, nil
	}

	tok, err := refresh.Decode(ctx, req.RefreshToken, lookup)
	if err != nil {
		if errors.Is(err, apperrors.ErrRefreshSignature) {
			e.logger.Warn("refresh token signature invalid")
		}

		return nil, err
	}

	switch {
	case tok.Counter < sess.RefreshCounter:
		return nil, e.reuseDetected(ctx, sess, tok.Counter)
	case tok.Counter > sess.RefreshCounter:
		e.logger.Warn("refresh token counter ahead of session",
			slog.String("session_id", sess.ID.String()),
			slog.Int64("token_counter", tok.Counter),
			slog.Int64("session_counter", sess.RefreshCounter),
		)

		return nil, apperrors.ErrInvalidGrant.Describe("refresh token is invalid")
	}

	if sess.ClientID != "" {
		client, err := e.clients.Authenticate(ctx, req.Client)
		if err != nil {
			return nil, err
		}

		if client.ID != sess.ClientID {
			e.logger.Warn("refresh token presented by another client",
				slog.String("session_id", sess.ID.String()),
				slog.String("client_id", client.ID),
			)

			return nil, apperrors.ErrInvalidGrant
		}

		if !client.AllowsGrant(GrantRefreshToken) {
			return nil, apperrors.ErrUnauthorizedClient
		}
	}

	user, err := e.activeUser(ctx, sess.UserID, apperrors.ErrInvalidGrant)
	if err != nil {
		return nil, err
	}

	counter, err := e.store.IncrementRefreshCounter(ctx, sess.ID, tok.Counter)
	if errors.Is(err, storage.ErrConflict) {
		e.logger.Info("concurrent refresh lost the race", slog.String("session_id", sess.ID.String()))
		return nil, apperrors.ErrConflict
	}

	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidGrant.Describe("refresh token is invalid")
	}

	if err != nil {
		return nil, fmt.Errorf("rotating refresh counter: %w", err)
	}

	sess.RefreshCounter = counter

	bundle, err := e.mint(user, sess, counter, "")
	if err != nil {
		return nil, err
	}

	e.logger.Debug("refresh token rotated",
		slog.String("session_id", sess.ID.String()),
		slog.Int64("counter", counter),
	)
	e.emit(ctx, Event{
		Type:      EventRefreshRotated,
		ClientID:  sess.ClientID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Grant:     GrantRefreshToken,
	})

	return bundle, nil
}

func (e *Engine) reuseDetected(ctx context.Context, sess *models.Session, counter int64) error {
	e.logger.Warn("refresh token reuse detected",
		slog.String("session_id", sess.ID.String()),
		slog.String("user_id", sess.UserID),
		slog.Int64("token_counter", counter),
		slog.Int64("session_counter", sess.RefreshCounter),
	)

	if e.cfg.RefreshReuseRevokesSession {
		if err := e.store.RevokeSession(ctx, sess.ID, e.now()); err != nil {
			e.logger.Error("revoking session after reuse",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.emit(ctx, Event{
		Type:      EventRefreshReuseDetected,
		ClientID:  sess.ClientID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
	})

	return apperrors.ErrTokenReused
}

// AuthenticateUser checks an email and password. Unknown users and wrong
// passwords fail identically.
func (e *Engine) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if user == nil || user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, apperrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		e.logger.Warn("password sign in failed", slog.String("user_id", user.ID))
		return nil, apperrors.ErrInvalidCredentials
	}

	if user.IsBanned(e.now()) {
		return nil, apperrors.ErrUserBanned
	}

	return user, nil
}

// SignInWithPassword authenticates a user and opens a session. Sessions
// created without a client are first-party and refresh without client
// authentication.
func (e *Engine) SignInWithPassword(ctx context.Context, req PasswordGrant) (*TokenBundle, error) {
	clientID := ""

	if req.Client.ClientID != "" {
		client, err := e.clients.Authenticate(ctx, req.Client)
		if err != nil {
			return nil, err
		}

		if !client.AllowsGrant(GrantPassword) {
			return nil, apperrors.ErrUnauthorizedClient
		}

		clientID = client.ID
	}

	requested := scope.Parse(req.Scope)
	if unknown := requested.Unknown(e.supported); len(unknown) > 0 {
		return nil, apperrors.ErrInvalidScope
	}

	user, err := e.AuthenticateUser(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	sess, err := e.newSession(ctx, user.ID, clientID, requested.String(), models.AAL1, []string{amrPassword})
	if err != nil {
		return nil, err
	}

	bundle, err := e.mint(user, sess, 0, "")
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Type:      EventTokensIssued,
		ClientID:  clientID,
		UserID:    user.ID,
		SessionID: sess.ID,
		Grant:     GrantPassword,
	})

	return bundle, nil
}

// mint issues the access token, refresh token at counter and, when the
// session has the openid scope and a client, an ID token.
func (e *Engine) mint(user *models.User, sess *models.Session, counter int64, nonce string) (*TokenBundle, error) {
	access, exp, err := e.signer.IssueAccessToken(&token.AccessClaims{
		Claims: jwt.Claims{
			Subject: user.ID,
			ID:      uuid.NewString(),
		},
		Email:     user.Email,
		Role:      roleAuthenticated,
		AAL:       sess.AAL,
		AMR:       sess.AMR,
		SessionID: sess.ID.String(),
		ClientID:  sess.ClientID,
		Scope:     sess.Scope,
	})
	if err != nil {
		return nil, err
	}

	bundle := &TokenBundle{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(e.signer.AccessTTL().Seconds()),
		ExpiresAt:    exp,
		RefreshToken: refresh.Encode(sess.ID, counter, sess.HMACKey),
		Scope:        sess.Scope,
	}

	if sess.ClientID != "" && scope.Parse(sess.Scope).Has(scope.OpenID) && e.signer.SupportsIDTokens() {
		idToken, err := e.signer.IssueIDToken(&token.IDTokenClaims{
			Claims: jwt.Claims{
				Subject:  user.ID,
				Audience: jwt.Audience{sess.ClientID},
			},
			AuthTime:        jwt.NewNumericDate(sess.CreatedAt),
			Nonce:           nonce,
			AuthorizedParty: sess.ClientID,
			Email:           user.Email,
			EmailVerified:   user.EmailVerified,
			SessionID:       sess.ID.String(),
		})
		if err != nil {
			return nil, err
		}

		bundle.IDToken = idToken
	}

	return bundle, nil
}

// IssueAccessToken signs caller-built claims. The request layer uses it for
// tokens outside the code and refresh flows.
func (e *Engine) IssueAccessToken(_ context.Context, claims *token.AccessClaims) (string, time.Time, error) {
	return e.signer.IssueAccessToken(claims)
}

// VerifyAccessToken verifies a bearer token and, when it names a session,
// that the session is still active. Every failure is ErrInvalidToken.
func (e *Engine) VerifyAccessToken(ctx context.Context, raw string) (*token.AccessClaims, error) {
	claims, err := e.signer.VerifyAccessToken(raw)
	if err != nil {
		return nil, err
	}

	if claims.SessionID == "" {
		return claims, nil
	}

	id, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, apperrors.ErrInvalidToken.WithCause(err)
	}

	sess, err := e.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidToken.WithCause(err)
	}

	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !sess.IsActive(e.now()) {
		return nil, apperrors.ErrInvalidToken.Describe("session expired or revoked")
	}

	return claims, nil
}

// RevokeSession ends a session (logout). Refresh tokens of the session stop
// working immediately; access tokens stop at their next verification.
func (e *Engine) RevokeSession(ctx context.Context, sessionID uuid.UUID, userID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.ErrSessionNotFound
	}

	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if sess.UserID != userID {
		return apperrors.ErrSessionNotFound
	}

	if err := e.store.RevokeSession(ctx, sessionID, e.now()); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	e.emit(ctx, Event{Type: EventSessionRevoked, ClientID: sess.ClientID, UserID: userID, SessionID: sessionID})

	return nil
}

// UserInfo returns the user a verified access token belongs to.
func (e *Engine) UserInfo(ctx context.Context, claims *token.AccessClaims) (*models.User, error) {
	user, err := e.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidToken
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	return user, nil
}
