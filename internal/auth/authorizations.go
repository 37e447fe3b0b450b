package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alexjbarnes/authflow/internal/engine"
)

type authorizationClient struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
}

// authorizationDetails is what a consent UI needs to ask the user.
type authorizationDetails struct {
	AuthorizationID string              `json:"authorization_id"`
	RedirectURI     string              `json:"redirect_uri"`
	Client          authorizationClient `json:"client"`
	Scope           string              `json:"scope"`
	UserID          string              `json:"user_id"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

type decisionRequest struct {
	Action string `json:"action"`
}

// HandleGetAuthorization returns the handler for GET
// /oauth/authorizations/{id}. It is the JSON counterpart of the consent
// page for clients that render their own consent UI. The caller must be
// behind Middleware.
func HandleGetAuthorization(eng *engine.Engine, logger *slog.Logger, issuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := eng.ResolveAuthorization(r.Context(), chi.URLParam(r, "id"), RequestUserID(r.Context()))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if res.RedirectTo != "" {
			writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: withIssuer(res.RedirectTo, issuer)})
			return
		}

		writeJSON(w, http.StatusOK, authorizationDetails{
			AuthorizationID: res.Authorization.ID,
			RedirectURI:     res.Authorization.RedirectURI,
			Client:          authorizationClient{ClientID: res.Client.ID, ClientName: res.Client.Name},
			Scope:           strings.Join(res.Scopes, " "),
			UserID:          res.Authorization.UserID,
		})
	}
}

// HandleDecideAuthorization returns the handler for POST
// /oauth/authorizations/{id}/consent with body {"action":"approve"|"deny"}.
func HandleDecideAuthorization(eng *engine.Engine, logger *slog.Logger, issuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.Action != "approve" && req.Action != "deny" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", `action must be "approve" or "deny"`)
			return
		}

		res, err := eng.DecideAuthorization(r.Context(), chi.URLParam(r, "id"), RequestUserID(r.Context()), req.Action == "approve")
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: withIssuer(res.RedirectTo, issuer)})
	}
}
