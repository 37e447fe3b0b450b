// Package redis is a distributed storage backend on Redis. Records with
// fields that change after creation are hashes: an immutable JSON "data"
// field plus one field per mutable column. Conditional updates are Lua
// scripts so the check and the write happen in one server-side step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Script results shared by the conditional updates.
const (
	resultNotFound = -1
	resultConflict = -2
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements storage.Store on a Redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. Tests pass a miniredis client.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(kind string, parts ...string) string {
	return s.keyPrefix + kind + ":" + strings.Join(parts, ":")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("parsing stored time %q: %w", s, err)
	}

	return &t, nil
}

// scriptResult maps the shared script return codes to storage errors.
func scriptResult(n int64, what string) error {
	switch n {
	case resultNotFound:
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	case resultConflict:
		return fmt.Errorf("%s: %w", what, storage.ErrConflict)
	default:
		return nil
	}
}

// --- Clients ---

func (s *Store) GetClient(ctx context.Context, id string) (*models.OAuthClient, error) {
	data, err := s.client.Get(ctx, s.key("client", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("client %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting client: %w", err)
	}

	c := &models.OAuthClient{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding client: %w", err)
	}

	return c, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.OAuthClient) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key("client", c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	if !ok {
		return fmt.Errorf("client %s: %w", c.ID, storage.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) UpdateClient(ctx context.Context, c *models.OAuthClient) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.key("client", c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}

	if !ok {
		return fmt.Errorf("client %s: %w", c.ID, storage.ErrNotFound)
	}

	return nil
}

// --- Sessions ---

// incrementCounterScript advances the counter only when it still equals
// ARGV[1].
var incrementCounterScript = redis.NewScript(`
local c = redis.call('HGET', KEYS[1], 'counter')
if not c then
	return -1
end
if c ~= ARGV[1] then
	return -2
end
return redis.call('HINCRBY', KEYS[1], 'counter', 1)
`)

// createHashScript writes all fields of a new hash, failing when the key is
// taken. ARGV is a flat field/value list.
var createHashScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// setOnceScript sets a hash field only if the hash exists and the field is
// still empty. Returns 1 when written, 0 when already set.
var setOnceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v and v ~= '' then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	n, err := createHashScript.Run(ctx, s.client, []string{s.key("session", sess.ID.String())},
		"data", string(data),
		"counter", strconv.FormatInt(sess.RefreshCounter, 10),
		"revoked_at", formatTime(sess.RevokedAt),
	).Int64()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.key("session", id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if fields["data"] == "" {
		return nil, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}

	sess := &models.Session{}
	if err := json.Unmarshal([]byte(fields["data"]), sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	if sess.RefreshCounter, err = strconv.ParseInt(fields["counter"], 10, 64); err != nil {
		return nil, fmt.Errorf("decoding session counter: %w", err)
	}

	if sess.RevokedAt, err = parseTime(fields["revoked_at"]); err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) IncrementRefreshCounter(ctx context.Context, id uuid.UUID, expected int64) (int64, error) {
	n, err := incrementCounterScript.Run(ctx, s.client,
		[]string{s.key("session", id.String())}, strconv.FormatInt(expected, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing refresh counter: %w", err)
	}

	if err := scriptResult(n, "session "+id.String()); err != nil {
		return 0, err
	}

	return n, nil
}

func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	n, err := setOnceScript.Run(ctx, s.client,
		[]string{s.key("session", id.String())}, "revoked_at", formatTime(&at)).Int64()
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	return scriptResult(n, "session "+id.String())
}

// --- Authorizations ---

// approveScript moves a pending authorization to approved and reindexes its
// code. ARGV: new code, approved_at, code key prefix, authorization id.
var approveScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'pending' then
	return -2
end
local old = redis.call('HGET', KEYS[1], 'code')
if old and old ~= '' then
	redis.call('DEL', ARGV[3] .. old)
end
redis.call('HSET', KEYS[1], 'status', 'approved', 'code', ARGV[1], 'approved_at', ARGV[2])
if ARGV[1] ~= '' then
	redis.call('SET', ARGV[3] .. ARGV[1], ARGV[4])
end
return 1
`)

// closeScript moves an authorization to a terminal status and drops its
// code. ARGV: new status, code key prefix, allowed statuses (space
// separated). Consumed authorizations are never closed.
var closeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
local consumed = redis.call('HGET', KEYS[1], 'consumed_at')
if consumed and consumed ~= '' then
	return -2
end
if not string.find(' ' .. ARGV[3] .. ' ', ' ' .. status .. ' ', 1, true) then
	return -2
end
local old = redis.call('HGET', KEYS[1], 'code')
if old and old ~= '' then
	redis.call('DEL', ARGV[2] .. old)
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'code', '')
return 1
`)

// consumeScript marks an approved authorization's code used. ARGV: code,
// consumed_at.
var consumeScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'code', 'consumed_at')
if not f[1] then
	return -1
end
if f[1] ~= 'approved' or f[2] ~= ARGV[1] or (f[3] and f[3] ~= '') then
	return -2
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[2])
return 1
`)

// bindUserScript sets user_id unless another user is bound. ARGV: user id.
var bindUserScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
local u = redis.call('HGET', KEYS[1], 'user_id')
if u and u ~= '' and u ~= ARGV[1] then
	return -2
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1])
return 1
`)

func (s *Store) codeKeyPrefix() string {
	return s.keyPrefix + "code:"
}

func (s *Store) CreateAuthorization(ctx context.Context, a *models.OAuthAuthorization) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding authorization: %w", err)
	}

	n, err := createHashScript.Run(ctx, s.client, []string{s.key("authorization", a.ID)},
		"data", string(data),
		"status", string(a.Status),
		"user_id", a.UserID,
		"code", a.Code,
		"approved_at", formatTime(a.ApprovedAt),
		"consumed_at", formatTime(a.ConsumedAt),
	).Int64()
	if err != nil {
		return fmt.Errorf("creating authorization: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("authorization %s: %w", a.ID, storage.ErrAlreadyExists)
	}

	if a.Code != "" {
		if err := s.client.Set(ctx, s.codeKeyPrefix()+a.Code, a.ID, 0).Err(); err != nil {
			return fmt.Errorf("indexing authorization code: %w", err)
		}
	}

	return nil
}

func (s *Store) GetAuthorization(ctx context.Context, id string) (*models.OAuthAuthorization, error) {
	fields, err := s.client.HGetAll(ctx, s.key("authorization", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting authorization: %w", err)
	}

	if fields["data"] == "" {
		return nil, fmt.Errorf("authorization %s: %w", id, storage.ErrNotFound)
	}

	a := &models.OAuthAuthorization{}
	if err := json.Unmarshal([]byte(fields["data"]), a); err != nil {
		return nil, fmt.Errorf("decoding authorization: %w", err)
	}

	a.Status = models.AuthorizationStatus(fields["status"])
	a.UserID = fields["user_id"]
	a.Code = fields["code"]

	if a.ApprovedAt, err = parseTime(fields["approved_at"]); err != nil {
		return nil, err
	}

	if a.ConsumedAt, err = parseTime(fields["consumed_at"]); err != nil {
		return nil, err
	}

	return a, nil
}

func (s *Store) GetAuthorizationByCode(ctx context.Context, code string) (*models.OAuthAuthorization, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}

	id, err := s.client.Get(ctx, s.codeKeyPrefix()+code).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("resolving authorization code: %w", err)
	}

	return s.GetAuthorization(ctx, id)
}

func (s *Store) BindAuthorizationUser(ctx context.Context, id, userID string) error {
	n, err := bindUserScript.Run(ctx, s.client, []string{s.key("authorization", id)}, userID).Int64()
	if err != nil {
		return fmt.Errorf("binding authorization user: %w", err)
	}

	return scriptResult(n, "authorization "+id)
}

func (s *Store) ApproveAuthorization(ctx context.Context, id, code string, at time.Time) error {
	n, err := approveScript.Run(ctx, s.client, []string{s.key("authorization", id)},
		code, formatTime(&at), s.codeKeyPrefix(), id).Int64()
	if err != nil {
		return fmt.Errorf("approving authorization: %w", err)
	}

	return scriptResult(n, "authorization "+id)
}

func (s *Store) closeAuthorization(ctx context.Context, id string, to models.AuthorizationStatus, from ...models.AuthorizationStatus) error {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	n, err := closeScript.Run(ctx, s.client, []string{s.key("authorization", id)},
		string(to), s.codeKeyPrefix(), strings.Join(allowed, " ")).Int64()
	if err != nil {
		return fmt.Errorf("moving authorization to %s: %w", to, err)
	}

	return scriptResult(n, "authorization "+id)
}

func (s *Store) DenyAuthorization(ctx context.Context, id string) error {
	return s.closeAuthorization(ctx, id, models.AuthorizationDenied, models.AuthorizationPending)
}

func (s *Store) ExpireAuthorization(ctx context.Context, id string) error {
	return s.closeAuthorization(ctx, id, models.AuthorizationExpired,
		models.AuthorizationPending, models.AuthorizationApproved)
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id, code string, at time.Time) error {
	n, err := consumeScript.Run(ctx, s.client, []string{s.key("authorization", id)},
		code, formatTime(&at)).Int64()
	if err != nil {
		return fmt.Errorf("consuming authorization code: %w", err)
	}

	return scriptResult(n, "authorization "+id)
}

// --- Consents ---

func (s *Store) consentKey(userID, clientID string) string {
	return s.key("consent", userID, clientID)
}

func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (*models.OAuthConsent, error) {
	fields, err := s.client.HGetAll(ctx, s.consentKey(userID, clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting consent: %w", err)
	}

	return decodeConsent(fields)
}

func decodeConsent(fields map[string]string) (*models.OAuthConsent, error) {
	if fields["data"] == "" {
		return nil, fmt.Errorf("consent: %w", storage.ErrNotFound)
	}

	c := &models.OAuthConsent{}
	if err := json.Unmarshal([]byte(fields["data"]), c); err != nil {
		return nil, fmt.Errorf("decoding consent: %w", err)
	}

	revoked, err := parseTime(fields["revoked_at"])
	if err != nil {
		return nil, err
	}

	c.RevokedAt = revoked

	return c, nil
}

func (s *Store) UpsertConsent(ctx context.Context, c *models.OAuthConsent) error {
	stored := *c
	stored.RevokedAt = nil

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding consent: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.consentKey(c.UserID, c.ClientID), "data", data, "revoked_at", "")
		p.SAdd(ctx, s.key("user_consents", c.UserID), c.ClientID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting consent: %w", err)
	}

	return nil
}

func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) error {
	n, err := setOnceScript.Run(ctx, s.client,
		[]string{s.consentKey(userID, clientID)}, "revoked_at", formatTime(&at)).Int64()
	if err != nil {
		return fmt.Errorf("revoking consent: %w", err)
	}

	return scriptResult(n, "consent")
}

func (s *Store) ListConsents(ctx context.Context, userID string) ([]*models.OAuthConsent, error) {
	clientIDs, err := s.client.SMembers(ctx, s.key("user_consents", userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing consents: %w", err)
	}

	sort.Strings(clientIDs)

	out := make([]*models.OAuthConsent, 0, len(clientIDs))

	for _, clientID := range clientIDs {
		c, err := s.GetConsent(ctx, userID, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, nil
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	email := strings.ToLower(u.Email)

	if email != "" {
		ok, err := s.client.SetNX(ctx, s.key("user_email", email), u.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		if !ok {
			return fmt.Errorf("user email: %w", storage.ErrAlreadyExists)
		}
	}

	ok, err := s.client.SetNX(ctx, s.key("user", u.ID), data, 0).Result()
	if err != nil || !ok {
		if email != "" {
			s.client.Del(ctx, s.key("user_email", email))
		}

		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		return fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	data, err := s.client.Get(ctx, s.key("user", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}

	u := &models.User{}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}

	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := s.client.Get(ctx, s.key("user_email", strings.ToLower(email))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("resolving user email: %w", err)
	}

	return s.GetUser(ctx, id)
}
