package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authflow/internal/engine"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response. The secret appears only here.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegistration returns the /oauth/register handler.
func HandleRegistration(eng *engine.Engine, guard *Guard, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		for _, rt := range req.ResponseTypes {
			if rt != "code" {
				writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "only the code response type is supported")
				return
			}
		}

		if !guard.RegistrationAllowed() {
			logger.Warn("registration rate limited", slog.String("ip", remoteIP(r)))
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many registrations, try again later")

			return
		}

		client, secret, err := eng.RegisterClient(r.Context(), engine.ClientRegistration{
			Name:                    req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              req.GrantTypes,
			TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		})
		if err != nil {
			var ae *apperrors.Error
			if errors.As(err, &ae) && ae.Kind == apperrors.KindValidation {
				writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", ae.Description)
				return
			}

			writeError(w, logger, err)

			return
		}

		grantTypes := client.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{engine.GrantAuthorizationCode, engine.GrantRefreshToken}
		}

		resp := registrationResponse{
			ClientID:                client.ID,
			ClientSecret:            secret,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
			ClientName:              client.Name,
			RedirectURIs:            client.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		}

		if secret != "" {
			never := int64(0)
			resp.ClientSecretExpiresAt = &never
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}
