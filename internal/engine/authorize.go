package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/pkce"
	"github.com/alexjbarnes/authflow/internal/scope"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RedirectError is a failure detected once the redirect URI is trusted. The
// caller sends the user agent back to the client with it rather than
// rendering an error page.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         *apperrors.Error
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location returns the redirect URI carrying error, error_description and
// state.
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Reason)
	params.Set("error_description", e.Err.Description)

	if e.State != "" {
		params.Set("state", e.State)
	}

	return appendQuery(e.RedirectURI, params)
}

// Resolution is the outcome of resolving or deciding an authorization.
// RedirectTo is set once the authorization is approved or denied; until
// then the caller renders a consent screen from Client and Scopes.
type Resolution struct {
	Authorization *models.OAuthAuthorization
	Client        *models.OAuthClient
	Scopes        []string
	RedirectTo    string
	AutoApproved  bool
}

// appendQuery adds params to uri, keeping any existing query component.
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

func newCode() string {
	return rand.Text()
}

// CreateAuthorization validates an authorization request and persists it as
// pending. Errors before the client and redirect URI are trusted are plain
// typed errors; later ones are *RedirectError.
func (e *Engine) CreateAuthorization(ctx context.Context, req AuthorizeRequest) (*models.OAuthAuthorization, error) {
	if req.ClientID == "" {
		return nil, apperrors.ErrInvalidRequest.Describe("client_id is required")
	}

	client, err := e.store.GetClient(ctx, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrInvalidClient.Describe("unknown client_id")
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if client.DeletedAt != nil {
		return nil, apperrors.ErrInvalidClient.Describe("unknown client_id")
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		// RFC 6749 section 3.1.2.3: with a single registered URI it may be
		// omitted.
		if len(client.RedirectURIs) != 1 {
			return nil, apperrors.ErrInvalidRequest.Describe("redirect_uri is required when multiple URIs are registered")
		}

		redirectURI = client.RedirectURIs[0]
	}

	if strings.Contains(redirectURI, "#") {
		return nil, apperrors.ErrInvalidRequest.Describe("redirect_uri must not contain a fragment")
	}

	if !client.HasRedirectURI(redirectURI) {
		return nil, apperrors.ErrRedirectURIMismatch
	}

	fail := func(err *apperrors.Error) error {
		return &RedirectError{RedirectURI: redirectURI, State: req.State, Err: err}
	}

	switch {
	case req.ResponseType == "":
		return nil, fail(apperrors.ErrInvalidRequest.Describe("response_type is required"))
	case req.ResponseType != "code":
		return nil, fail(apperrors.ErrUnsupportedResponseType)
	}

	if !client.AllowsGrant("authorization_code") {
		return nil, fail(apperrors.ErrUnauthorizedClient)
	}

	requested := scope.Parse(req.Scope)
	if unknown := requested.Unknown(e.supported); len(unknown) > 0 {
		return nil, fail(apperrors.ErrInvalidScope.Describe("unsupported scope: %s", strings.Join(unknown, " ")))
	}

	method := ""

	switch {
	case req.CodeChallenge != "":
		m, err := pkce.ValidateMethodForAuthorize(req.CodeChallengeMethod)
		if err != nil {
			var ae *apperrors.Error
			errors.As(err, &ae)

			return nil, fail(apperrors.ErrInvalidRequest.Describe("%s", ae.Description))
		}

		if !pkce.ValidateChallenge(req.CodeChallenge) {
			return nil, fail(apperrors.ErrInvalidRequest.Describe("code_challenge is malformed"))
		}

		method = m
	case req.CodeChallengeMethod != "":
		return nil, fail(apperrors.ErrInvalidRequest.Describe("code_challenge_method without code_challenge"))
	case client.IsPublic():
		return nil, fail(apperrors.ErrInvalidRequest.Describe("code_challenge is required for public clients"))
	}

	now := e.now()

	authz := &models.OAuthAuthorization{
		ID:                  uuid.NewString(),
		ClientID:            client.ID,
		Code:                newCode(),
		Scope:               requested.String(),
		RedirectURI:         redirectURI,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Status:              models.AuthorizationPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.cfg.AuthorizationTTL),
	}

	if err := e.store.CreateAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("creating authorization: %w", err)
	}

	e.logger.Debug("authorization created",
		slog.String("authorization_id", authz.ID),
		slog.String("client_id", client.ID),
	)
	e.emit(ctx, Event{Type: EventAuthorizationCreated, ClientID: client.ID})

	return authz, nil
}

// loadForUser fetches an authorization on behalf of userID. Missing,
// expired and foreign authorizations are all ErrAuthorizationNotFound. The
// first user to load an unbound authorization binds it.
func (e *Engine) loadForUser(ctx context.Context, id, userID string) (*models.OAuthAuthorization, error) {
	if id == "" || userID == "" {
		return nil, apperrors.ErrInvalidRequest.Describe("authorization id and user are required")
	}

	authz, err := e.store.GetAuthorization(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading authorization: %w", err)
	}

	if authz.IsExpired(e.now()) {
		e.expire(ctx, authz)
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if authz.UserID != "" && authz.UserID != userID {
		e.logger.Warn("authorization accessed by another user",
			slog.String("authorization_id", authz.ID),
			slog.String("user_id", userID),
		)

		return nil, apperrors.ErrAuthorizationNotFound
	}

	if authz.UserID == "" {
		err := e.store.BindAuthorizationUser(ctx, authz.ID, userID)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.ErrAuthorizationNotFound
		}

		if err != nil {
			return nil, fmt.Errorf("binding authorization user: %w", err)
		}

		authz.UserID = userID
	}

	return authz, nil
}

// expire marks an authorization expired. Losing a race to another
// transition is fine: the authorization is unusable either way.
func (e *Engine) expire(ctx context.Context, authz *models.OAuthAuthorization) {
	if authz.Status == models.AuthorizationExpired || authz.ConsumedAt != nil {
		return
	}

	if err := e.store.ExpireAuthorization(ctx, authz.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
		e.logger.Error("expiring authorization",
			slog.String("authorization_id", authz.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) clientFor(ctx context.Context, authz *models.OAuthAuthorization) (*models.OAuthClient, error) {
	client, err := e.store.GetClient(ctx, authz.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if client.DeletedAt != nil {
		return nil, apperrors.ErrAuthorizationNotFound
	}

	return client, nil
}

// ResolveAuthorization loads a pending authorization for the signed-in
// user. If the user's consent already covers the requested scopes it is
// approved immediately and RedirectTo is set. Otherwise the details needed
// for a consent screen are returned and nothing changes, so repeated calls
// are idempotent.
func (e *Engine) ResolveAuthorization(ctx context.Context, id, userID string) (*Resolution, error) {
	authz, err := e.loadForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	client, err := e.clientFor(ctx, authz)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Authorization: authz,
		Client:        client,
		Scopes:        scope.Parse(authz.Scope).Slice(),
	}

	switch authz.Status {
	case models.AuthorizationPending:
	case models.AuthorizationApproved:
		if authz.ConsumedAt != nil {
			return nil, apperrors.ErrAuthorizationState
		}

		res.RedirectTo = approvalRedirect(authz, authz.Code)

		return res, nil
	default:
		return nil, apperrors.ErrAuthorizationState
	}

	if _, err := e.activeUser(ctx, userID, apperrors.ErrAuthorizationNotFound); err != nil {
		return nil, err
	}

	consent, err := e.store.GetConsent(ctx, userID, client.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading consent: %w", err)
	}

	if !scope.AutoApprovable(consent, scope.Parse(authz.Scope)) {
		return res, nil
	}

	return e.approve(ctx, res, true)
}

// DecideAuthorization records the user's decision on a pending
// authorization. Approval stores the consent and issues a fresh code;
// denial invalidates the code and redirects with access_denied.
func (e *Engine) DecideAuthorization(ctx context.Context, id, userID string, approve bool) (*Resolution, error) {
	authz, err := e.loadForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if authz.Status != models.AuthorizationPending {
		return nil, apperrors.ErrAuthorizationState
	}

	client, err := e.clientFor(ctx, authz)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Authorization: authz,
		Client:        client,
		Scopes:        scope.Parse(authz.Scope).Slice(),
	}

	if !approve {
		return e.deny(ctx, res)
	}

	if _, err := e.activeUser(ctx, userID, apperrors.ErrAuthorizationNotFound); err != nil {
		return nil, err
	}

	res, err = e.approve(ctx, res, false)
	if err != nil {
		return nil, err
	}

	if err := e.grantConsent(ctx, userID, client.ID, authz.Scope); err != nil {
		return nil, err
	}

	return res, nil
}

// grantConsent merges scopes into the user's active consent for the client.
func (e *Engine) grantConsent(ctx context.Context, userID, clientID, scopes string) error {
	granted := scope.Parse(scopes)

	existing, err := e.store.GetConsent(ctx, userID, clientID)

	switch {
	case err == nil:
		if scope.IsActive(existing) {
			granted = granted.Union(scope.Parse(existing.Scope))
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading consent: %w", err)
	}

	err = e.store.UpsertConsent(ctx, &models.OAuthConsent{
		UserID:    userID,
		ClientID:  clientID,
		Scope:     granted.String(),
		GrantedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("storing consent: %w", err)
	}

	return nil
}

func approvalRedirect(authz *models.OAuthAuthorization, code string) string {
	params := url.Values{}
	params.Set("code", code)

	if authz.State != "" {
		params.Set("state", authz.State)
	}

	return appendQuery(authz.RedirectURI, params)
}

func (e *Engine) approve(ctx context.Context, res *Resolution, auto bool) (*Resolution, error) {
	authz := res.Authorization
	code := newCode()
	now := e.now()

	err := e.store.ApproveAuthorization(ctx, authz.ID, code, now)
	if errors.Is(err, storage.ErrConflict) {
		return nil, apperrors.ErrAuthorizationState
	}

	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("approving authorization: %w", err)
	}

	authz.Status = models.AuthorizationApproved
	authz.Code = code
	authz.ApprovedAt = &now

	res.RedirectTo = approvalRedirect(authz, code)
	res.AutoApproved = auto

	e.logger.Info("authorization approved",
		slog.String("authorization_id", authz.ID),
		slog.String("client_id", authz.ClientID),
		slog.String("user_id", authz.UserID),
		slog.Bool("auto", auto),
	)
	e.emit(ctx, Event{
		Type:         EventAuthorizationApproved,
		ClientID:     authz.ClientID,
		UserID:       authz.UserID,
		AutoApproved: auto,
	})

	return res, nil
}

func (e *Engine) deny(ctx context.Context, res *Resolution) (*Resolution, error) {
	authz := res.Authorization

	err := e.store.DenyAuthorization(ctx, authz.ID)
	if errors.Is(err, storage.ErrConflict) {
		return nil, apperrors.ErrAuthorizationState
	}

	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrAuthorizationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("denying authorization: %w", err)
	}

	authz.Status = models.AuthorizationDenied
	authz.Code = ""

	redirect := &RedirectError{RedirectURI: authz.RedirectURI, State: authz.State, Err: apperrors.ErrAccessDenied}
	res.RedirectTo = redirect.Location()

	e.logger.Info("authorization denied",
		slog.String("authorization_id", authz.ID),
		slog.String("client_id", authz.ClientID),
		slog.String("user_id", authz.UserID),
	)
	e.emit(ctx, Event{Type: EventAuthorizationDenied, ClientID: authz.ClientID, UserID: authz.UserID})

	return res, nil
}
