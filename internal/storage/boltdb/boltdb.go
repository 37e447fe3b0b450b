// Package boltdb is a single-node persistent storage backend on bbolt.
// Values are JSON. Every conditional update runs inside one Update
// transaction; bbolt serializes writers, which makes the check and the
// write atomic.
package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

var (
	clientsBucket        = []byte("oauth_clients")
	sessionsBucket       = []byte("sessions")
	authorizationsBucket = []byte("oauth_authorizations")
	codesBucket          = []byte("oauth_authorization_codes")
	consentsBucket       = []byte("oauth_consents")
	usersBucket          = []byte("users")
	usersByEmailBucket   = []byte("users_by_email")

	allBuckets = [][]byte{
		clientsBucket, sessionsBucket, authorizationsBucket, codesBucket,
		consentsBucket, usersBucket, usersByEmailBucket,
	}
)

// Store wraps a bbolt database.
type Store struct {
	db *bolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens the database at path, creating it and its buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func consentKey(userID, clientID string) []byte {
	return []byte(userID + "\x00" + clientID)
}

func getJSON(b *bolt.Bucket, key []byte, v any, what string) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}

	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// --- Clients ---

func (s *Store) GetClient(_ context.Context, id string) (*models.OAuthClient, error) {
	c := &models.OAuthClient{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(clientsBucket), []byte(id), c, "client "+id)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (s *Store) CreateClient(_ context.Context, c *models.OAuthClient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("client %s: %w", c.ID, storage.ErrAlreadyExists)
		}

		return putJSON(b, []byte(c.ID), c)
	})
}

func (s *Store) UpdateClient(_ context.Context, c *models.OAuthClient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ID)) == nil {
			return fmt.Errorf("client %s: %w", c.ID, storage.ErrNotFound)
		}

		return putJSON(b, []byte(c.ID), c)
	})
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get(sess.ID[:]) != nil {
			return fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
		}

		return putJSON(b, sess.ID[:], sess)
	})
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	sess := &models.Session{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(sessionsBucket), id[:], sess, "session "+id.String())
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) IncrementRefreshCounter(_ context.Context, id uuid.UUID, expected int64) (int64, error) {
	var next int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		var sess models.Session
		if err := getJSON(b, id[:], &sess, "session "+id.String()); err != nil {
			return err
		}

		if sess.RefreshCounter != expected {
			return fmt.Errorf("session %s counter is %d, expected %d: %w", id, sess.RefreshCounter, expected, storage.ErrConflict)
		}

		sess.RefreshCounter++
		next = sess.RefreshCounter

		return putJSON(b, id[:], &sess)
	})

	return next, err
}

func (s *Store) RevokeSession(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		var sess models.Session
		if err := getJSON(b, id[:], &sess, "session "+id.String()); err != nil {
			return err
		}

		if sess.RevokedAt != nil {
			return nil
		}

		sess.RevokedAt = &at

		return putJSON(b, id[:], &sess)
	})
}

// --- Authorizations ---

func (s *Store) CreateAuthorization(_ context.Context, a *models.OAuthAuthorization) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authorizationsBucket)
		if b.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("authorization %s: %w", a.ID, storage.ErrAlreadyExists)
		}

		if a.Code != "" {
			if err := tx.Bucket(codesBucket).Put([]byte(a.Code), []byte(a.ID)); err != nil {
				return err
			}
		}

		return putJSON(b, []byte(a.ID), a)
	})
}

func (s *Store) GetAuthorization(_ context.Context, id string) (*models.OAuthAuthorization, error) {
	a := &models.OAuthAuthorization{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(authorizationsBucket), []byte(id), a, "authorization "+id)
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (s *Store) GetAuthorizationByCode(_ context.Context, code string) (*models.OAuthAuthorization, error) {
	a := &models.OAuthAuthorization{}

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(codesBucket).Get([]byte(code))
		if id == nil || code == "" {
			return fmt.Errorf("authorization code: %w", storage.ErrNotFound)
		}

		return getJSON(tx.Bucket(authorizationsBucket), id, a, "authorization")
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// mutateAuthorization loads, modifies and stores an authorization in one
// write transaction, keeping the code index in step with a.Code.
func (s *Store) mutateAuthorization(id string, fn func(a *models.OAuthAuthorization) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authorizationsBucket)
		codes := tx.Bucket(codesBucket)

		var a models.OAuthAuthorization
		if err := getJSON(b, []byte(id), &a, "authorization "+id); err != nil {
			return err
		}

		oldCode := a.Code

		if err := fn(&a); err != nil {
			return err
		}

		if a.Code != oldCode {
			if oldCode != "" {
				if err := codes.Delete([]byte(oldCode)); err != nil {
					return err
				}
			}

			if a.Code != "" {
				if err := codes.Put([]byte(a.Code), []byte(a.ID)); err != nil {
					return err
				}
			}
		}

		return putJSON(b, []byte(id), &a)
	})
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
		a.Code = code

		return nil
	})
}

func (s *Store) DenyAuthorization(_ context.Context, id string) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.Status != models.AuthorizationPending {
			return fmt.Errorf("authorization %s is %s: %w", id, a.Status, storage.ErrConflict)
		}

		a.Status = models.AuthorizationDenied
		a.Code = ""

		return nil
	})
}

func (s *Store) ExpireAuthorization(_ context.Context, id string) error {
	return s.mutateAuthorization(id, func(a *models.OAuthAuthorization) error {
		if a.ConsumedAt != nil || (a.Status != models.AuthorizationPending && a.Status != models.AuthorizationApproved) {
			return fmt.Errorf("authorization %s is %s: %w", id, a.Status, storage.ErrConflict)
		}

		a.Status = models.AuthorizationExpired
		a.Code = ""

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
	c := &models.OAuthConsent{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(consentsBucket), consentKey(userID, clientID), c, "consent")
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (s *Store) UpsertConsent(_ context.Context, c *models.OAuthConsent) error {
	stored := *c
	stored.RevokedAt = nil

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(consentsBucket), consentKey(c.UserID, c.ClientID), &stored)
	})
}

func (s *Store) RevokeConsent(_ context.Context, userID, clientID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consentsBucket)
		key := consentKey(userID, clientID)

		var c models.OAuthConsent
		if err := getJSON(b, key, &c, "consent"); err != nil {
			return err
		}

		if c.RevokedAt != nil {
			return nil
		}

		c.RevokedAt = &at

		return putJSON(b, key, &c)
	})
}

func (s *Store) ListConsents(_ context.Context, userID string) ([]*models.OAuthConsent, error) {
	var out []*models.OAuthConsent

	prefix := []byte(userID + "\x00")

	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(consentsBucket).Cursor()

		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			c := &models.OAuthConsent{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}

			out = append(out, c)
		}

		return nil
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })

	return out, err
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	email := []byte(strings.ToLower(u.Email))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		byEmail := tx.Bucket(usersByEmailBucket)

		if b.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
		}

		if len(email) > 0 {
			if byEmail.Get(email) != nil {
				return fmt.Errorf("user email: %w", storage.ErrAlreadyExists)
			}

			if err := byEmail.Put(email, []byte(u.ID)); err != nil {
				return err
			}
		}

		return putJSON(b, []byte(u.ID), u)
	})
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	u := &models.User{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), []byte(id), u, "user "+id)
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	u := &models.User{}

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(usersByEmailBucket).Get([]byte(strings.ToLower(email)))
		if id == nil {
			return fmt.Errorf("user: %w", storage.ErrNotFound)
		}

		return getJSON(tx.Bucket(usersBucket), id, u, "user")
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}
