// Package storage defines the persistence contracts the engine depends on.
// Backends live in subpackages: memory, bolt, redis and postgres. Every
// backend implements the conditional updates below atomically; the loser of
// a race observes ErrConflict.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authflow/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update's precondition no
	// longer holds.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// ClientStore persists OAuth clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*models.OAuthClient, error)
	CreateClient(ctx context.Context, c *models.OAuthClient) error
	UpdateClient(ctx context.Context, c *models.OAuthClient) error
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// IncrementRefreshCounter advances the counter by one only if it still
	// equals expected, returning the new value.
	IncrementRefreshCounter(ctx context.Context, id uuid.UUID, expected int64) (int64, error)
	RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuthorizationStore persists authorization requests. Status transitions
// are conditional on the current status.
type AuthorizationStore interface {
	CreateAuthorization(ctx context.Context, a *models.OAuthAuthorization) error
	GetAuthorization(ctx context.Context, id string) (*models.OAuthAuthorization, error)
	GetAuthorizationByCode(ctx context.Context, code string) (*models.OAuthAuthorization, error)
	// BindAuthorizationUser sets the user if none is bound yet. Binding the
	// same user again succeeds; a different user gets ErrConflict.
	BindAuthorizationUser(ctx context.Context, id, userID string) error
	// ApproveAuthorization moves pending to approved and installs code.
	ApproveAuthorization(ctx context.Context, id, code string, at time.Time) error
	// DenyAuthorization moves pending to denied and clears the code.
	DenyAuthorization(ctx context.Context, id string) error
	// ExpireAuthorization moves pending or approved (unconsumed) to expired
	// and clears the code.
	ExpireAuthorization(ctx context.Context, id string) error
	// ConsumeAuthorizationCode marks an approved authorization's code used,
	// only if code matches and it was not consumed before.
	ConsumeAuthorizationCode(ctx context.Context, id, code string, at time.Time) error
}

// ConsentStore persists consents keyed by (user, client).
type ConsentStore interface {
	GetConsent(ctx context.Context, userID, clientID string) (*models.OAuthConsent, error)
	// UpsertConsent replaces the scopes of the (user, client) consent and
	// clears any revocation.
	UpsertConsent(ctx context.Context, c *models.OAuthConsent) error
	RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) error
	ListConsents(ctx context.Context, userID string) ([]*models.OAuthConsent, error)
}

// UserStore persists resource owners.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Store is the aggregate every backend implements.
type Store interface {
	ClientStore
	SessionStore
	AuthorizationStore
	ConsentStore
	UserStore
	Close() error
}
