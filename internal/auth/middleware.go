package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/token"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxRemoteIP
)

// RequestClaims returns the verified access token claims from the
// context, or nil.
func RequestClaims(ctx context.Context) *token.AccessClaims {
	v, _ := ctx.Value(ctxClaims).(*token.AccessClaims)
	return v
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.Subject
	}

	return ""
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.ClientID
	}

	return ""
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer tokens through
// the engine, which also rejects tokens of revoked sessions.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
func Middleware(eng *engine.Engine, logger *slog.Logger, issuer string) func(http.Handler) http.Handler {
	metadataURL := issuer + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			claims, err := eng.VerifyAccessToken(r.Context(), strings.TrimSpace(authHeader[7:]))
			if err != nil {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", claims.Subject),
				slog.String("client_id", claims.ClientID),
				slog.String("ip", ip),
			)

			ctx := context.WithValue(r.Context(), ctxClaims, claims)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
