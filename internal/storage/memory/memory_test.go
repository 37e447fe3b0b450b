package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
	"github.com/alexjbarnes/authflow/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestGetClient_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateClient(ctx, &models.OAuthClient{
		ID:           "c1",
		RedirectURIs: []string{"https://a/cb"},
	}))

	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	got.RedirectURIs[0] = "https://evil/cb"

	again, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "https://a/cb", again.RedirectURIs[0])
}
