package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/authflow/internal/engine"
	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

const (
	// maxRequestBody caps form and JSON bodies.
	maxRequestBody = 64 << 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	// sessionCookie holds the browser's first-party access token between
	// sign in and consent.
	sessionCookie = "authflow_session"

	consentPath = "/oauth/consent"
)

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// page renders the sign-in form or, once the browser has a session, the
// consent form. The csrf_token hidden field prevents cross-site form
// submission.
var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>authflow</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 1rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent .redirect { color: #666; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; }
  input[type="email"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    margin-bottom: 0.5rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    cursor: pointer;
  }
  button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
</style>
</head>
<body>
<div class="card">
  <h1>authflow</h1>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{if .Consent}}
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access to your account.</p>
    {{if .Scopes}}<p>Scopes: {{range $i, $s := .Scopes}}{{if $i}}, {{end}}<code>{{$s}}</code>{{end}}</p>{{end}}
    <p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>
  </div>
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="authorization_id" value="{{.AuthorizationID}}">
    <button type="submit" name="action" value="approve">Allow</button>
    <button type="submit" name="action" value="deny" class="secondary">Deny</button>
  </form>
  {{else}}
  <form method="POST" action="{{.Action}}">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="authorization_id" value="{{.AuthorizationID}}">
    <input type="hidden" name="action" value="login">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" value="{{.Email}}" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in</button>
  </form>
  {{end}}
</div>
</body>
</html>`))

type pageData struct {
	Action          string
	CSRFToken       string
	AuthorizationID string
	Consent         bool
	ClientID        string
	ClientName      string
	RedirectURI     string
	Scopes          []string
	Email           string
	Error           string
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	data.Action = consentPath

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = page.Execute(w, data)
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After maxFailures within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// withIssuer adds the RFC 9207 iss parameter to an authorization response
// redirect.
func withIssuer(redirect, issuer string) string {
	if issuer == "" {
		return redirect
	}

	u, err := url.Parse(redirect)
	if err != nil {
		return redirect
	}

	q := u.Query()
	q.Set("iss", issuer)
	u.RawQuery = q.Encode()

	return u.String()
}

// HandleAuthorize returns the /oauth/authorize handler. A valid request is
// persisted as a pending authorization and the browser is sent to the
// consent page. Errors found before the redirect URI is trusted are shown
// to the user; later ones go back to the client.
func HandleAuthorize(eng *engine.Engine, logger *slog.Logger, issuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		authz, err := eng.CreateAuthorization(r.Context(), engine.AuthorizeRequest{
			ResponseType:        q.Get("response_type"),
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			Scope:               q.Get("scope"),
			State:               q.Get("state"),
			Nonce:               q.Get("nonce"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
		})
		if err != nil {
			var redirect *engine.RedirectError
			if errors.As(err, &redirect) {
				http.Redirect(w, r, withIssuer(redirect.Location(), issuer), http.StatusFound)
				return
			}

			var ae *apperrors.Error
			if errors.As(err, &ae) {
				http.Error(w, ae.Description, http.StatusBadRequest)
				return
			}

			logger.Error("creating authorization", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)

			return
		}

		http.Redirect(w, r, consentPath+"?authorization_id="+url.QueryEscape(authz.ID), http.StatusFound)
	}
}

// HandleConsentPage returns the /oauth/consent handler. GET shows the
// sign-in form, or the consent form once signed in, or redirects straight
// back to the client when an existing consent covers the request. POST
// handles the sign-in and the allow/deny decision.
func HandleConsentPage(eng *engine.Engine, guard *Guard, logger *slog.Logger, issuer string) http.HandlerFunc {
	limiter := newLoginRateLimiter()
	secure := isHTTPS(issuer)

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			showConsent(w, r, eng, guard, logger, issuer, r.URL.Query().Get("authorization_id"))
		case http.MethodPost:
			handleConsentPOST(w, r, eng, guard, logger, limiter, issuer, secure)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func showConsent(w http.ResponseWriter, r *http.Request, eng *engine.Engine, guard *Guard, logger *slog.Logger, issuer, id string) {
	if id == "" {
		http.Error(w, "missing authorization_id", http.StatusBadRequest)
		return
	}

	userID := browserUser(r, eng)
	if userID == "" {
		renderPage(w, http.StatusOK, pageData{CSRFToken: guard.IssueCSRF(id), AuthorizationID: id})
		return
	}

	res, err := eng.ResolveAuthorization(r.Context(), id, userID)
	if err != nil {
		pageError(w, logger, err)
		return
	}

	if res.RedirectTo != "" {
		http.Redirect(w, r, withIssuer(res.RedirectTo, issuer), http.StatusFound)
		return
	}

	renderPage(w, http.StatusOK, pageData{
		CSRFToken:       guard.IssueCSRF(id),
		AuthorizationID: id,
		Consent:         true,
		ClientID:        res.Client.ID,
		ClientName:      res.Client.Name,
		RedirectURI:     res.Authorization.RedirectURI,
		Scopes:          res.Scopes,
	})
}

func handleConsentPOST(w http.ResponseWriter, r *http.Request, eng *engine.Engine, guard *Guard, logger *slog.Logger, limiter *loginRateLimiter, issuer string, secure bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	id := r.PostFormValue("authorization_id")
	if id == "" {
		http.Error(w, "missing authorization_id", http.StatusBadRequest)
		return
	}

	switch action := r.PostFormValue("action"); action {
	case "login":
		handleLogin(w, r, eng, guard, logger, limiter, id, secure)
	case "approve", "deny":
		userID := browserUser(r, eng)
		if userID == "" {
			renderPage(w, http.StatusUnauthorized, pageData{
				CSRFToken:       guard.IssueCSRF(id),
				AuthorizationID: id,
				Error:           "Your session has ended, sign in again",
			})

			return
		}

		// A failed CSRF check may indicate a cross-site attack, so return
		// a plain error rather than redirecting to the client.
		if !guard.ConsumeCSRF(r.PostFormValue("csrf_token"), id) {
			http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
			return
		}

		res, err := eng.DecideAuthorization(r.Context(), id, userID, action == "approve")
		if err != nil {
			pageError(w, logger, err)
			return
		}

		http.Redirect(w, r, withIssuer(res.RedirectTo, issuer), http.StatusFound)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func handleLogin(w http.ResponseWriter, r *http.Request, eng *engine.Engine, guard *Guard, logger *slog.Logger, limiter *loginRateLimiter, id string, secure bool) {
	// Check before consuming CSRF so a rate-limited request does not
	// destroy the user's CSRF token.
	ip := remoteIP(r)
	if limiter.check(ip) {
		logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	if !guard.ConsumeCSRF(r.PostFormValue("csrf_token"), id) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	email := r.PostFormValue("email")

	bundle, err := eng.SignInWithPassword(r.Context(), engine.PasswordGrant{
		Email:    email,
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindAuthentication {
			pageError(w, logger, err)
			return
		}

		limiter.record(ip)
		logger.Warn("login failed", slog.String("ip", ip))

		msg := "Invalid email or password"
		if errors.Is(err, apperrors.ErrUserBanned) {
			msg = "This account is not allowed to sign in"
		}

		renderPage(w, http.StatusUnauthorized, pageData{
			CSRFToken:       guard.IssueCSRF(id),
			AuthorizationID: id,
			Email:           email,
			Error:           msg,
		})

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    bundle.AccessToken,
		Path:     "/",
		MaxAge:   int(bundle.ExpiresIn),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, consentPath+"?authorization_id="+url.QueryEscape(id), http.StatusSeeOther)
}

// browserUser returns the user signed in through the session cookie, or "".
func browserUser(r *http.Request, eng *engine.Engine) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return ""
	}

	claims, err := eng.VerifyAccessToken(r.Context(), c.Value)
	if err != nil {
		return ""
	}

	return claims.Subject
}

// pageError renders an engine error for a browser. Authorizations that are
// missing, expired or owned by someone else all read the same.
func pageError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Kind == apperrors.KindConfiguration {
		logger.Error("consent page failed", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	http.Error(w, ae.Description, statusFor(ae.Kind))
}

func isHTTPS(issuer string) bool {
	u, err := url.Parse(issuer)
	return err == nil && u.Scheme == "https"
}
