package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/alexjbarnes/authflow/internal/clientauth"
	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/models"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// HandleToken returns the /oauth/token handler. It accepts form-encoded
// bodies as RFC 6749 requires and JSON bodies for first-party callers. The
// password grant is served only when allowPassword is set.
func HandleToken(eng *engine.Engine, logger *slog.Logger, allowPassword bool) http.HandlerFunc {
	limiter := newLoginRateLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, creds, ok := parseTokenRequest(w, r)
		if !ok {
			return
		}

		basic := creds.Method == models.AuthMethodClientSecretBasic

		var (
			bundle *engine.TokenBundle
			err    error
		)

		switch req.GrantType {
		case engine.GrantAuthorizationCode:
			bundle, err = eng.ExchangeAuthorizationCode(r.Context(), engine.CodeExchange{
				Client:       creds,
				Code:         req.Code,
				RedirectURI:  req.RedirectURI,
				CodeVerifier: req.CodeVerifier,
			})
		case engine.GrantRefreshToken:
			if req.RefreshToken == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
				return
			}

			bundle, err = eng.ExchangeRefreshToken(r.Context(), engine.RefreshExchange{
				Client:       creds,
				RefreshToken: req.RefreshToken,
			})
		case engine.GrantPassword:
			if !allowPassword {
				writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "password grant is disabled")
				return
			}

			ip := remoteIP(r)
			if limiter.check(ip) {
				logger.Warn("password grant rate limited", slog.String("ip", ip))
				writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many failed sign in attempts")

				return
			}

			bundle, err = eng.SignInWithPassword(r.Context(), engine.PasswordGrant{
				Client:   creds,
				Email:    req.Email,
				Password: req.Password,
				Scope:    req.Scope,
			})
			if err != nil {
				limiter.record(ip)
			}
		case "":
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
			return
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type "+req.GrantType+" is not supported")
			return
		}

		if err != nil {
			writeTokenError(w, logger, err, basic)
			return
		}

		w.Header().Set("Pragma", "no-cache")
		writeJSON(w, http.StatusOK, bundle)
	}
}

// parseTokenRequest reads the body and the client credentials. Basic auth
// takes precedence over body credentials.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, clientauth.Credentials, bool) {
	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, clientauth.Credentials{}, false
		}

		creds := clientauth.CredentialsFromRequest(r)
		if creds.ClientID == "" && req.ClientID != "" {
			creds = clientauth.Credentials{ClientID: req.ClientID, Secret: req.ClientSecret, Method: models.AuthMethodNone}
			if req.ClientSecret != "" {
				creds.Method = models.AuthMethodClientSecretPost
			}
		}

		return req, creds, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return req, clientauth.Credentials{}, false
	}

	req = tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Email:        r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
	}

	return req, clientauth.CredentialsFromRequest(r), true
}
