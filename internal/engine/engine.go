// Package engine is the authorization state machine and token issuer. It
// turns a resource owner's decision into access, refresh and ID tokens and
// rotates refresh tokens. It never writes to a transport: every failure is
// a typed error from internal/errors for the caller to map.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/scope"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/token"
)

//go:generate mockgen -source=engine.go -destination=mocks/mock_usergate.go -package=mocks

// UserGate resolves resource owners. The default is the store; tests and
// deployments with an external user directory supply their own.
type UserGate interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// sessionKeyBytes is the size of a session's refresh token HMAC key.
const sessionKeyBytes = 32

// Config holds the engine's policy settings.
type Config struct {
	AuthorizationTTL time.Duration
	SessionTTL       time.Duration
	SupportedScopes  []string
	// RefreshReuseRevokesSession revokes the whole session when a rotated
	// refresh token is presented again.
	RefreshReuseRevokesSession bool
}

// Engine implements the authorization code and refresh token flows.
type Engine struct {
	store     storage.Store
	users     UserGate
	clients   *clientauth.Authenticator
	signer    *token.Signer
	cfg       Config
	supported scope.Set
	logger    *slog.Logger
	hook      func(context.Context, Event)
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventHook registers fn to be called after every successful mutation.
func WithEventHook(fn func(context.Context, Event)) Option {
	return func(e *Engine) { e.hook = fn }
}

// WithUserGate replaces the store as the source of users.
func WithUserGate(g UserGate) Option {
	return func(e *Engine) { e.users = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. When the signer has no asymmetric key, openid is
// removed from the supported scopes since ID tokens cannot be issued.
func New(store storage.Store, signer *token.Signer, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		users:     store,
		clients:   clientauth.New(store, logger),
		signer:    signer,
		cfg:       cfg,
		supported: scope.FromSlice(cfg.SupportedScopes),
		logger:    logger,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.supported.Has(scope.OpenID) && !signer.SupportsIDTokens() {
		logger.Warn("no asymmetric signing key configured, openid scope disabled")
		delete(e.supported, scope.OpenID)
	}

	return e
}

// SupportedScopes returns the scopes clients may request, sorted.
func (e *Engine) SupportedScopes() []string {
	return e.supported.Slice()
}

// EventType names a mutation reported through the event hook.
type EventType string

const (
	EventAuthorizationCreated  EventType = "authorization_created"
	EventAuthorizationApproved EventType = "authorization_approved"
	EventAuthorizationDenied   EventType = "authorization_denied"
	EventTokensIssued          EventType = "tokens_issued"
	EventRefreshRotated        EventType = "refresh_rotated"
	EventRefreshReuseDetected  EventType = "refresh_reuse_detected"
	EventSessionRevoked        EventType = "session_revoked"
	EventConsentRevoked        EventType = "consent_revoked"
	EventClientRegistered      EventType = "client_registered"
	EventClientDeleted         EventType = "client_deleted"
)

// Event describes a completed mutation.
type Event struct {
	Type         EventType
	At           time.Time
	ClientID     string
	UserID       string
	SessionID    uuid.UUID
	Grant        string
	AutoApproved bool
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.hook == nil {
		return
	}

	ev.At = e.now()
	e.hook(ctx, ev)
}

// newSession creates and persists a session with a fresh HMAC key.
func (e *Engine) newSession(ctx context.Context, userID, clientID, scopes, aal string, amr []string) (*models.Session, error) {
	key := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}

	now := e.now()

	sess := &models.Session{
		ID:        uuid.New(),
		UserID:    userID,
		ClientID:  clientID,
		HMACKey:   key,
		Scope:     scopes,
		AAL:       aal,
		AMR:       amr,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.SessionTTL),
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return sess, nil
}

// activeUser loads a user and rejects banned ones. A missing user is
// reported as notFound.
func (e *Engine) activeUser(ctx context.Context, userID string, notFound *apperrors.Error) (*models.User, error) {
	user, err := e.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if user.IsBanned(e.now()) {
		e.logger.Warn("banned user rejected", slog.String("user_id", user.ID))
		return nil, apperrors.ErrUserBanned
	}

	return user, nil
}
