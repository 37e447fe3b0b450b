// Package postgres is a storage backend on PostgreSQL through the pgx
// database/sql driver. The schema is managed with goose. Conditional updates
// are single UPDATE statements guarded by their precondition; zero affected
// rows means the record is missing or the precondition failed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/storage/postgres/migrations"
)

const uniqueViolation = "23505"

// Store implements storage.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := New(db)

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an open database without migrating it.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}

	t := nt.Time

	return &t
}

func encodeList(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}

	return json.Marshal(v)
}

func decodeList(raw []byte) ([]string, error) {
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding list column: %w", err)
	}

	if len(v) == 0 {
		return nil, nil
	}

	return v, nil
}

// execConditional runs a guarded UPDATE. When nothing changed it checks
// existence with existsQuery: a missing row is ErrNotFound, otherwise
// ifExists is returned.
func (s *Store) execConditional(ctx context.Context, what, query string, args []any, existsQuery string, existsArgs []any, ifExists error) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, existsQuery, existsArgs...).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}

	if !exists {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}

	return ifExists
}

// --- Clients ---

const clientColumns = `id, name, secret_hash, client_type, token_endpoint_auth_method,
		redirect_uris, grant_types, created_at, updated_at, deleted_at`

func (s *Store) GetClient(ctx context.Context, id string) (*models.OAuthClient, error) {
	query := `SELECT ` + clientColumns + ` FROM oauth_clients WHERE id = $1`

	var (
		c                 models.OAuthClient
		redirects, grants []byte
		deleted           sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.SecretHash, &c.Type, &c.TokenEndpointAuthMethod,
		&redirects, &grants, &c.CreatedAt, &c.UpdatedAt, &deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting client: %w", err)
	}

	if c.RedirectURIs, err = decodeList(redirects); err != nil {
		return nil, err
	}

	if c.GrantTypes, err = decodeList(grants); err != nil {
		return nil, err
	}

	c.DeletedAt = timePtr(deleted)

	return &c, nil
}

func clientArgs(c *models.OAuthClient) ([]any, error) {
	redirects, err := encodeList(c.RedirectURIs)
	if err != nil {
		return nil, err
	}

	grants, err := encodeList(c.GrantTypes)
	if err != nil {
		return nil, err
	}

	return []any{
		c.ID, c.Name, c.SecretHash, string(c.Type), c.TokenEndpointAuthMethod,
		redirects, grants, c.CreatedAt, c.UpdatedAt, nullTime(c.DeletedAt),
	}, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.OAuthClient) error {
	args, err := clientArgs(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO oauth_clients (` + clientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("client %s: %w", c.ID, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("creating client: %w", err)
	}

	return nil
}

func (s *Store) UpdateClient(ctx context.Context, c *models.OAuthClient) error {
	args, err := clientArgs(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE oauth_clients
		SET name = $2, secret_hash = $3, client_type = $4, token_endpoint_auth_method = $5,
			redirect_uris = $6, grant_types = $7, created_at = $8, updated_at = $9, deleted_at = $10
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("client %s: %w", c.ID, storage.ErrNotFound)
	}

	return nil
}

// --- Sessions ---

const sessionExists = `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	amr, err := encodeList(sess.AMR)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, user_id, client_id, hmac_key, refresh_counter, scope, aal, amr,
			created_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID.String(), sess.UserID, sess.ClientID, sess.HMACKey, sess.RefreshCounter,
		sess.Scope, sess.AAL, amr, sess.CreatedAt, sess.ExpiresAt, nullTime(sess.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `
		SELECT id, user_id, client_id, hmac_key, refresh_counter, scope, aal, amr,
			created_at, expires_at, revoked_at
		FROM sessions
		WHERE id = $1`

	var (
		sess    models.Session
		rawID   string
		amr     []byte
		revoked sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&rawID, &sess.UserID, &sess.ClientID, &sess.HMACKey, &sess.RefreshCounter,
		&sess.Scope, &sess.AAL, &amr, &sess.CreatedAt, &sess.ExpiresAt, &revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if sess.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("decoding session id: %w", err)
	}

	if sess.AMR, err = decodeList(amr); err != nil {
		return nil, err
	}

	sess.RevokedAt = timePtr(revoked)

	return &sess, nil
}

func (s *Store) IncrementRefreshCounter(ctx context.Context, id uuid.UUID, expected int64) (int64, error) {
	query := `
		UPDATE sessions
		SET refresh_counter = refresh_counter + 1
		WHERE id = $1 AND refresh_counter = $2
		RETURNING refresh_counter`

	var counter int64

	err := s.db.QueryRowContext(ctx, query, id.String(), expected).Scan(&counter)
	if err == nil {
		return counter, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("incrementing refresh counter: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, sessionExists, id.String()).Scan(&exists); err != nil {
		return 0, fmt.Errorf("incrementing refresh counter: %w", err)
	}

	if !exists {
		return 0, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	return 0, fmt.Errorf("session %s: %w", id, storage.ErrConflict)
}

func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`

	return s.execConditional(ctx, "revoking session",
		query, []any{id.String(), at},
		sessionExists, []any{id.String()}, nil)
}

// --- Authorizations ---

const (
	authorizationColumns = `id, client_id, user_id, code, scope, redirect_uri, state, nonce,
		code_challenge, code_challenge_method, status, created_at, expires_at, approved_at, consumed_at`

	authorizationExists = `SELECT EXISTS (SELECT 1 FROM oauth_authorizations WHERE id = $1)`
)

func (s *Store) CreateAuthorization(ctx context.Context, a *models.OAuthAuthorization) error {
	query := `
		INSERT INTO oauth_authorizations (` + authorizationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.ClientID, a.UserID, a.Code, a.Scope, a.RedirectURI, a.State, a.Nonce,
		a.CodeChallenge, a.CodeChallengeMethod, string(a.Status), a.CreatedAt, a.ExpiresAt,
		nullTime(a.ApprovedAt), nullTime(a.ConsumedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("authorization %s: %w", a.ID, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("creating authorization: %w", err)
	}

	return nil
}

func (s *Store) getAuthorization(ctx context.Context, where string, arg string) (*models.OAuthAuthorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM oauth_authorizations WHERE ` + where

	var (
		a                  models.OAuthAuthorization
		approved, consumed sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&a.ID, &a.ClientID, &a.UserID, &a.Code, &a.Scope, &a.RedirectURI, &a.State, &a.Nonce,
		&a.CodeChallenge, &a.CodeChallengeMethod, &a.Status, &a.CreatedAt, &a.ExpiresAt,
		&approved, &consumed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("authorization: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting authorization: %w", err)
	}

	a.ApprovedAt = timePtr(approved)
	a.ConsumedAt = timePtr(consumed)

	return &a, nil
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (*models.OAuthAuthorization, error) {
	return s.getAuthorization(ctx, `id = $1`, id)
}

func (s *Store) GetAuthorizationByCode(ctx context.Context, code string) (*models.OAuthAuthorization, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}

	return s.getAuthorization(ctx, `code = $1`, code)
}

func (s *Store) BindAuthorizationUser(ctx context.Context, id, userID string) error {
	query := `
		UPDATE oauth_authorizations
		SET user_id = $2
		WHERE id = $1 AND (user_id = '' OR user_id = $2)`

	return s.execConditional(ctx, "binding authorization user",
		query, []any{id, userID},
		authorizationExists, []any{id}, fmt.Errorf("authorization %s: %w", id, storage.ErrConflict))
}

func (s *Store) ApproveAuthorization(ctx context.Context, id, code string, at time.Time) error {
	query := `
		UPDATE oauth_authorizations
		SET status = 'approved', code = $2, approved_at = $3
		WHERE id = $1 AND status = 'pending'`

	return s.execConditional(ctx, "approving authorization",
		query, []any{id, code, at},
		authorizationExists, []any{id}, fmt.Errorf("authorization %s: %w", id, storage.ErrConflict))
}

func (s *Store) DenyAuthorization(ctx context.Context, id string) error {
	query := `
		UPDATE oauth_authorizations
		SET status = 'denied', code = ''
		WHERE id = $1 AND status = 'pending'`

	return s.execConditional(ctx, "denying authorization",
		query, []any{id},
		authorizationExists, []any{id}, fmt.Errorf("authorization %s: %w", id, storage.ErrConflict))
}

func (s *Store) ExpireAuthorization(ctx context.Context, id string) error {
	query := `
		UPDATE oauth_authorizations
		SET status = 'expired', code = ''
		WHERE id = $1 AND status IN ('pending', 'approved') AND consumed_at IS NULL`

	return s.execConditional(ctx, "expiring authorization",
		query, []any{id},
		authorizationExists, []any{id}, fmt.Errorf("authorization %s: %w", id, storage.ErrConflict))
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id, code string, at time.Time) error {
	query := `
		UPDATE oauth_authorizations
		SET consumed_at = $3
		WHERE id = $1 AND code = $2 AND status = 'approved' AND consumed_at IS NULL`

	return s.execConditional(ctx, "consuming authorization code",
		query, []any{id, code, at},
		authorizationExists, []any{id}, fmt.Errorf("authorization %s: %w", id, storage.ErrConflict))
}

// --- Consents ---

func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (*models.OAuthConsent, error) {
	query := `
		SELECT user_id, client_id, scope, granted_at, revoked_at
		FROM oauth_consents
		WHERE user_id = $1 AND client_id = $2`

	var (
		c       models.OAuthConsent
		revoked sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, userID, clientID).Scan(
		&c.UserID, &c.ClientID, &c.Scope, &c.GrantedAt, &revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consent: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting consent: %w", err)
	}

	c.RevokedAt = timePtr(revoked)

	return &c, nil
}

func (s *Store) UpsertConsent(ctx context.Context, c *models.OAuthConsent) error {
	query := `
		INSERT INTO oauth_consents (user_id, client_id, scope, granted_at, revoked_at)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (user_id, client_id)
		DO UPDATE SET scope = EXCLUDED.scope, granted_at = EXCLUDED.granted_at, revoked_at = NULL`

	if _, err := s.db.ExecContext(ctx, query, c.UserID, c.ClientID, c.Scope, c.GrantedAt); err != nil {
		return fmt.Errorf("upserting consent: %w", err)
	}

	return nil
}

func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) error {
	query := `
		UPDATE oauth_consents
		SET revoked_at = $3
		WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`

	exists := `SELECT EXISTS (SELECT 1 FROM oauth_consents WHERE user_id = $1 AND client_id = $2)`

	return s.execConditional(ctx, "revoking consent",
		query, []any{userID, clientID, at},
		exists, []any{userID, clientID}, nil)
}

func (s *Store) ListConsents(ctx context.Context, userID string) ([]*models.OAuthConsent, error) {
	query := `
		SELECT user_id, client_id, scope, granted_at, revoked_at
		FROM oauth_consents
		WHERE user_id = $1
		ORDER BY client_id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing consents: %w", err)
	}
	defer rows.Close()

	var out []*models.OAuthConsent

	for rows.Next() {
		var (
			c       models.OAuthConsent
			revoked sql.NullTime
		)

		if err := rows.Scan(&c.UserID, &c.ClientID, &c.Scope, &c.GrantedAt, &revoked); err != nil {
			return nil, fmt.Errorf("scanning consent: %w", err)
		}

		c.RevokedAt = timePtr(revoked)
		out = append(out, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing consents: %w", err)
	}

	return out, nil
}

// --- Users ---

const userColumns = `id, email, email_verified, password_hash, banned_until, created_at`

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	query := `INSERT INTO users (` + userColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.EmailVerified, u.PasswordHash, nullTime(u.BannedUntil), u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func (s *Store) getUser(ctx context.Context, where, arg string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where

	var (
		u      models.User
		banned sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.EmailVerified, &u.PasswordHash, &banned, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}

	u.BannedUntil = timePtr(banned)

	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `lower(email) = lower($1)`, email)
}
