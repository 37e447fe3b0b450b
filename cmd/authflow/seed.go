package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	"github.com/alexjbarnes/authflow/internal/config"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// applySeed creates the seed file's clients and users. Records that already
// exist are left untouched so restarts are idempotent.
func applySeed(ctx context.Context, store storage.Store, seed *config.Seed, logger *slog.Logger) error {
	now := time.Now()

	for _, sc := range seed.Clients {
		client := &models.OAuthClient{
			ID:                      sc.ID,
			Name:                    sc.Name,
			Type:                    models.ClientType(sc.Type),
			SecretHash:              sc.SecretHash,
			TokenEndpointAuthMethod: sc.TokenEndpointAuthMethod,
			RedirectURIs:            sc.RedirectURIs,
			GrantTypes:              sc.GrantTypes,
			CreatedAt:               now,
			UpdatedAt:               now,
		}

		if sc.Secret != "" {
			client.SecretHash = clientauth.HashSecret(sc.Secret)
		}

		if client.TokenEndpointAuthMethod == "" {
			client.TokenEndpointAuthMethod = models.AuthMethodClientSecretBasic
			if client.IsPublic() {
				client.TokenEndpointAuthMethod = models.AuthMethodNone
			}
		}

		err := store.CreateClient(ctx, client)
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Debug("seed client exists", slog.String("client_id", client.ID))
			continue
		}

		if err != nil {
			return fmt.Errorf("seeding client %s: %w", client.ID, err)
		}

		logger.Info("seeded client", slog.String("client_id", client.ID), slog.String("client_type", sc.Type))
	}

	for _, su := range seed.Users {
		err := store.CreateUser(ctx, &models.User{
			ID:            su.ID,
			Email:         su.Email,
			EmailVerified: su.EmailVerified,
			PasswordHash:  su.PasswordHash,
			CreatedAt:     now,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			logger.Debug("seed user exists", slog.String("user_id", su.ID))
			continue
		}

		if err != nil {
			return fmt.Errorf("seeding user %s: %w", su.ID, err)
		}

		logger.Info("seeded user", slog.String("user_id", su.ID))
	}

	return nil
}
