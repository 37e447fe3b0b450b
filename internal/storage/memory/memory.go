// Package memory is an in-process storage backend. All state is lost on
// restart; it backs tests and single-node development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// Store holds all state in maps guarded by one mutex. Records are copied on
// the way in and out so callers never share memory with the store.
type Store struct {
	mu             sync.RWMutex
	clients        map[string]*models.OAuthClient        // client id -> client
	sessions       map[uuid.UUID]*models.Session         // session id -> session
	authorizations map[string]*models.OAuthAuthorization // authorization id -> authorization
	codes          map[string]string                     // code -> authorization id
	consents       map[string]*models.OAuthConsent       // user|client -> consent
	users          map[string]*models.User               // user id -> user
	usersByEmail   map[string]string                     // lowercased email -> user id
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:        make(map[string]*models.OAuthClient),
		sessions:       make(map[uuid.UUID]*models.Session),
		authorizations: make(map[string]*models.OAuthAuthorization),
		codes:          make(map[string]string),
		consents:       make(map[string]*models.OAuthConsent),
		users:          make(map[string]*models.User),
		usersByEmail:   make(map[string]string),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func consentKey(userID, clientID string) string {
	return userID + "|" + clientID
}

// --- Clients ---

func (s *Store) GetClient(_ context.Context, id string) (*models.OAuthClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, storage.ErrNotFound)
	}

	return cloneClient(c), nil
}

func (s *Store) CreateClient(_ context.Context, c *models.OAuthClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c.ID]; ok {
		return fmt.Errorf("client %s: %w", c.ID, storage.ErrAlreadyExists)
	}

	s.clients[c.ID] = cloneClient(c)

	return nil
}

func (s *Store) UpdateClient(_ context.Context, c *models.OAuthClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c.ID]; !ok {
		return fmt.Errorf("client %s: %w", c.ID, storage.ErrNotFound)
	}

	s.clients[c.ID] = cloneClient(c)

	return nil
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
	}

	s.sessions[sess.ID] = cloneSession(sess)

	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	return cloneSession(sess), nil
}

func (s *Store) IncrementRefreshCounter(_ context.Context, id uuid.UUID, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	if sess.RefreshCounter != expected {
		return 0, fmt.Errorf("session %s counter is %d, expected %d: %w", id, sess.RefreshCounter, expected, storage.ErrConflict)
	}

	sess.RefreshCounter++

	return sess.RefreshCounter, nil
}

func (s *Store) RevokeSession(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	if sess.RevokedAt == nil {
		sess.RevokedAt = &at
	}

	return nil
}

// --- Authorizations ---

func (s *Store) CreateAuthorization(_ context.Context, a *models.OAuthAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorizations[a.ID]; ok {
		return fmt.Errorf("authorization %s: %w", a.ID, storage.ErrAlreadyExists)
	}

	s.authorizations[a.ID] = cloneAuthorization(a)
	if a.Code != "" {
		s.codes[a.Code] = a.ID
	}

	return nil
}

func (s *Store) GetAuthorization(_ context.Context, id string) (*models.OAuthAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.authorizations[id]
	if !ok {
		return nil, fmt.Errorf("authorization %s: %w", id, storage.ErrNotFound)
	}

	return cloneAuthorization(a), nil
}

func (s *Store) GetAuthorizationByCode(_ context.Context, code string) (*models.OAuthAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok || code == "" {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}

	return cloneAuthorization(s.authorizations[id]), nil
}

// mutateAuthorization runs fn on the stored record under the write lock.
func (s *Store) mutateAuthorization(id string, fn func(a *models.OAuthAuthorization) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authorizations[id]
	if !ok {
		return fmt.Errorf("authorization %s: %w", id, storage.ErrNotFound)
	}

	return fn(a)
}

func (s *Store) setCode(a *models.OAuthAuthorization, code string) {
	if a.Code != "" {
		delete(s.codes, a.Code)
	}

	a.Code = code
	if code != "" {
		s.codes[code] = a.ID
	}
}

func (s *Store) BindAuthorizationUser(_ context.Context, id, userID string) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.UserID != "" && a.UserID != userID {
			return fmt.Errorf("authorization %s bound to another user: %w", id, storage.ErrConflict)
		}

		a.UserID = userID

		return nil
	})
}

func (s *Store) ApproveAuthorization(_ context.Context, id, code string, at time.Time) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.Status != models.AuthorizationPending {
			return fmt.Errorf("authorization %s is %s: %w", id, a.Status, storage.ErrConflict)
		}

		a.Status = models.AuthorizationApproved
		a.ApprovedAt = &at
		s.setCode(a, code)

		return nil
	})
}

func (s *Store) DenyAuthorization(_ context.Context, id string) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.Status != models.AuthorizationPending {
			return fmt.Errorf("authorization %s is %s: %w", id, a.Status, storage.ErrConflict)
		}

		a.Status = models.AuthorizationDenied
		s.setCode(a, "")

		return nil
	})
}

func (s *Store) ExpireAuthorization(_ context.Context, id string) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.ConsumedAt != nil || (a.Status != models.AuthorizationPending && a.Status != models.AuthorizationApproved) {
			return fmt.Errorf("authorization %s is %s: %w", id, a.Status, storage.ErrConflict)
		}

		a.Status = models.AuthorizationExpired
		s.setCode(a, "")

		return nil
	})
}

func (s *Store) ConsumeAuthorizationCode(_ context.Context, id, code string, at time.Time) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.Status != models.AuthorizationApproved || a.Code != code || a.ConsumedAt != nil {
			return fmt.Errorf("authorization %s code not consumable: %w", id, storage.ErrConflict)
		}

		a.ConsumedAt = &at

		return nil
	})
}

// --- Consents ---

func (s *Store) GetConsent(_ context.Context, userID, clientID string) (*models.OAuthConsent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, fmt.Errorf("consent: %w", storage.ErrNotFound)
	}

	return cloneConsent(c), nil
}

func (s *Store) UpsertConsent(_ context.Context, c *models.OAuthConsent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneConsent(c)
	stored.RevokedAt = nil
	s.consents[consentKey(c.UserID, c.ClientID)] = stored

	return nil
}

func (s *Store) RevokeConsent(_ context.Context, userID, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return fmt.Errorf("consent: %w", storage.ErrNotFound)
	}

	if c.RevokedAt == nil {
		c.RevokedAt = &at
	}

	return nil
}

func (s *Store) ListConsents(_ context.Context, userID string) ([]*models.OAuthConsent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.OAuthConsent

	for _, c := range s.consents {
		if c.UserID == userID {
			out = append(out, cloneConsent(c))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })

	return out, nil
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
	}

	if _, ok := s.usersByEmail[email]; ok && email != "" {
		return fmt.Errorf("user email: %w", storage.ErrAlreadyExists)
	}

	s.users[u.ID] = cloneUser(u)
	if email != "" {
		s.usersByEmail[email] = u.ID
	}

	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}

	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user: %w", storage.ErrNotFound)
	}

	return cloneUser(s.users[id]), nil
}

// --- Copies ---

func cloneClient(c *models.OAuthClient) *models.OAuthClient {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.DeletedAt = cloneTime(c.DeletedAt)

	return &out
}

func cloneSession(sess *models.Session) *models.Session {
	out := *sess
	out.HMACKey = append([]byte(nil), sess.HMACKey...)
	out.AMR = append([]string(nil), sess.AMR...)
	out.RevokedAt = cloneTime(sess.RevokedAt)

	return &out
}

func cloneAuthorization(a *models.OAuthAuthorization) *models.OAuthAuthorization {
	out := *a
	out.ApprovedAt = cloneTime(a.ApprovedAt)
	out.ConsumedAt = cloneTime(a.ConsumedAt)

	return &out
}

func cloneConsent(c *models.OAuthConsent) *models.OAuthConsent {
	out := *c
	out.RevokedAt = cloneTime(c.RevokedAt)

	return &out
}

func cloneUser(u *models.User) *models.User {
	out := *u
	out.BannedUntil = cloneTime(u.BannedUntil)

	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
