package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/storage/storagetest"
)

const testPrefix = "authflow:test:"

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewWithClient(client, testPrefix), mr
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestNew_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: testPrefix})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestNew_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}

// --- Key layout ---

func TestKeysCarryPrefix(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateClient(ctx, &models.OAuthClient{ID: "c1"}))

	id := uuid.New()
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID:        id,
		UserID:    "u1",
		HMACKey:   []byte("k"),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	assert.True(t, mr.Exists(testPrefix+"client:c1"))
	assert.True(t, mr.Exists(testPrefix+"session:"+id.String()))
	assert.Equal(t, "0", mr.HGet(testPrefix+"session:"+id.String(), "counter"))
}

func TestApproveAuthorization_ReindexesCode(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAuthorization(ctx, &models.OAuthAuthorization{
		ID:        "a1",
		ClientID:  "c1",
		Status:    models.AuthorizationPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.ApproveAuthorization(ctx, "a1", "code-1", time.Now()))

	got, err := mr.Get(testPrefix + "code:code-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got)

	require.NoError(t, s.ExpireAuthorization(ctx, "a1"))
	assert.False(t, mr.Exists(testPrefix+"code:code-1"))
}

func TestGetSession_CorruptCounter(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: id, UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}))

	mr.HSet(testPrefix+"session:"+id.String(), "counter", "not-a-number")

	_, err := s.GetSession(ctx, id)
	assert.Error(t, err)
}
