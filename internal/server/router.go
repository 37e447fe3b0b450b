// Package server assembles the HTTP surface of authflow.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexjbarnes/authflow/internal/auth"
	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/keys"
	"github.com/alexjbarnes/authflow/internal/metrics"
)

// requestTimeout bounds every request, including bcrypt work on sign in.
const requestTimeout = 15 * time.Second

// Config holds dependencies for building the router.
type Config struct {
	Engine        *engine.Engine
	Keys          *keys.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Issuer        string
	Registration  bool
	PasswordGrant bool
}

// NewRouter builds the router with discovery, authorization, token and
// user endpoints. User endpoints and the JSON consent API are protected
// by Bearer token middleware.
func NewRouter(cfg Config) http.Handler {
	eng, logger, issuer := cfg.Engine, cfg.Logger, cfg.Issuer
	scopes := eng.SupportedScopes()
	guard := auth.NewGuard()

	meta := auth.NewServerMetadata(auth.MetadataConfig{
		Issuer:        issuer,
		Scopes:        scopes,
		Registration:  cfg.Registration,
		PasswordGrant: cfg.PasswordGrant,
		Keys:          cfg.Keys,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(requestLogger(logger))

	r.Get("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(issuer, scopes))
	r.Get("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(meta))
	r.Get("/.well-known/openid-configuration", auth.HandleServerMetadata(meta))
	r.Get("/.well-known/jwks.json", auth.HandleJWKS(cfg.Keys))

	r.Get("/oauth/authorize", auth.HandleAuthorize(eng, logger, issuer))
	consent := auth.HandleConsentPage(eng, guard, logger, issuer)
	r.Get("/oauth/consent", consent)
	r.Post("/oauth/consent", consent)
	r.Post("/oauth/token", auth.HandleToken(eng, logger, cfg.PasswordGrant))

	if cfg.Registration {
		r.Post("/oauth/register", auth.HandleRegistration(eng, guard, logger))
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(eng, logger, issuer))

		r.Get("/oauth/authorizations/{id}", auth.HandleGetAuthorization(eng, logger, issuer))
		r.Post("/oauth/authorizations/{id}/consent", auth.HandleDecideAuthorization(eng, logger, issuer))
		r.Get("/userinfo", auth.HandleUserInfo(eng, logger))
		r.Get("/user/oauth/grants", auth.HandleListConsents(eng, logger))
		r.Delete("/user/oauth/grants", auth.HandleRevokeConsent(eng, logger))
		r.Post("/logout", auth.HandleLogout(eng, logger))
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
