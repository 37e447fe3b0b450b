package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/scope"
)

// userInfoResponse is the OpenID Connect UserInfo response. Email claims
// are released only to first-party tokens or tokens with the email scope.
type userInfoResponse struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

type consentResponse struct {
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
}

// HandleUserInfo returns the /userinfo handler. The caller must be behind
// Middleware.
func HandleUserInfo(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := RequestClaims(r.Context())

		user, err := eng.UserInfo(r.Context(), claims)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		resp := userInfoResponse{Subject: user.ID}

		if claims.ClientID == "" || scope.Parse(claims.Scope).Has("email") {
			resp.Email = user.Email
			resp.EmailVerified = &user.EmailVerified
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleListConsents returns the handler listing the caller's active
// consents.
func HandleListConsents(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consents, err := eng.ListConsents(r.Context(), RequestUserID(r.Context()))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		out := make([]consentResponse, 0, len(consents))
		for _, c := range consents {
			out = append(out, consentResponse{ClientID: c.ClientID, Scope: c.Scope, GrantedAt: c.GrantedAt})
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// HandleRevokeConsent returns the handler revoking the caller's consent
// for the client named by the client_id query parameter.
func HandleRevokeConsent(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
			return
		}

		if err := eng.RevokeConsent(r.Context(), RequestUserID(r.Context()), clientID); err != nil {
			writeError(w, logger, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleLogout returns the handler that revokes the session behind the
// caller's access token and clears the browser session cookie.
func HandleLogout(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := RequestClaims(r.Context())

		id, err := uuid.Parse(claims.SessionID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is not bound to a session")
			return
		}

		if err := eng.RevokeSession(r.Context(), id, claims.Subject); err != nil {
			writeError(w, logger, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}
