package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/scope"
	"github.com/alexjbarnes/authflow/internal/storage"
)

// RevokeConsent withdraws the user's consent for a client. The next
// authorization from that client shows the consent screen again. Existing
// sessions are not affected.
func (e *Engine) RevokeConsent(ctx context.Context, userID, clientID string) error {
	err := e.store.RevokeConsent(ctx, userID, clientID, e.now())
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.ErrConsentNotFound
	}

	if err != nil {
		return fmt.Errorf("revoking consent: %w", err)
	}

	e.logger.Info("consent revoked",
		slog.String("user_id", userID),
		slog.String("client_id", clientID),
	)
	e.emit(ctx, Event{Type: EventConsentRevoked, ClientID: clientID, UserID: userID})

	return nil
}

// ListConsents returns the user's active consents ordered by client.
func (e *Engine) ListConsents(ctx context.Context, userID string) ([]*models.OAuthConsent, error) {
	all, err := e.store.ListConsents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing consents: %w", err)
	}

	active := make([]*models.OAuthConsent, 0, len(all))

	for _, c := range all {
		if scope.IsActive(c) {
			active = append(active, c)
		}
	}

	return active, nil
}
