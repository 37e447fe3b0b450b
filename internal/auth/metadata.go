package auth

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/authflow/internal/engine"
	"github.com/alexjbarnes/authflow/internal/keys"
	"github.com/alexjbarnes/authflow/internal/models"
	"github.com/alexjbarnes/authflow/internal/pkce"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ServerMetadata is the RFC 8414 response. The OpenID Connect discovery
// fields are set when ID tokens can be issued.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported"`
}

// MetadataConfig selects what the discovery documents advertise.
type MetadataConfig struct {
	Issuer        string
	Scopes        []string
	Registration  bool
	PasswordGrant bool
	Keys          *keys.Registry
}

// NewServerMetadata builds the discovery document.
func NewServerMetadata(cfg MetadataConfig) ServerMetadata {
	grants := []string{engine.GrantAuthorizationCode, engine.GrantRefreshToken}
	if cfg.PasswordGrant {
		grants = append(grants, engine.GrantPassword)
	}

	meta := ServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + "/oauth/authorize",
		TokenEndpoint:                     cfg.Issuer + "/oauth/token",
		JWKSURI:                           cfg.Issuer + "/.well-known/jwks.json",
		UserInfoEndpoint:                  cfg.Issuer + "/userinfo",
		ScopesSupported:                   cfg.Scopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               grants,
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
		TokenEndpointAuthMethodsSupported: []string{models.AuthMethodNone, models.AuthMethodClientSecretBasic, models.AuthMethodClientSecretPost},
		AuthorizationResponseIssParameter: true,
	}

	if cfg.Registration {
		meta.RegistrationEndpoint = cfg.Issuer + "/oauth/register"
	}

	if cfg.Keys != nil {
		seen := make(map[string]struct{})

		for _, k := range cfg.Keys.PublicJWKS().Keys {
			if _, ok := seen[k.Algorithm]; ok || k.Algorithm == "" {
				continue
			}

			seen[k.Algorithm] = struct{}{}
			meta.IDTokenSigningAlgValuesSupported = append(meta.IDTokenSigningAlgValuesSupported, k.Algorithm)
		}
	}

	if len(meta.IDTokenSigningAlgValuesSupported) > 0 {
		meta.SubjectTypesSupported = []string{"public"}
		meta.ClaimsSupported = []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "azp", "sid", "email", "email_verified"}
	}

	return meta
}

// HandleProtectedResourceMetadata returns the /.well-known/oauth-protected-resource handler.
func HandleProtectedResourceMetadata(issuer string, scopes []string) http.HandlerFunc {
	meta := ProtectedResourceMetadata{
		Resource:               issuer,
		AuthorizationServers:   []string{issuer},
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		writeCacheable(w, meta)
	}
}

// HandleServerMetadata returns the handler for both
// /.well-known/oauth-authorization-server and
// /.well-known/openid-configuration.
func HandleServerMetadata(meta ServerMetadata) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeCacheable(w, meta)
	}
}

// HandleJWKS returns the /.well-known/jwks.json handler. Only the public
// halves of asymmetric keys are published.
func HandleJWKS(reg *keys.Registry) http.HandlerFunc {
	set := reg.PublicJWKS()

	return func(w http.ResponseWriter, _ *http.Request) {
		writeCacheable(w, set)
	}
}

func writeCacheable(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(v)
}
