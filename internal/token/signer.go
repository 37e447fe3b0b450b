package token

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
	"github.com/alexjbarnes/authflow/internal/keys"
)

// DefaultAudience is the aud claim of access tokens.
const DefaultAudience = "authenticated"

// Header typ values. Access tokens use the RFC 9068 media type so they can
// never be mistaken for ID tokens.
const (
	typeAccessToken = "at+jwt"
	typeIDToken     = "JWT"
)

// reservedClaims are never overwritten by Extra.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"session_id": {}, "sid": {}, "aal": {}, "amr": {}, "nonce": {}, "azp": {}, "client_id": {}, "scope": {},
}

// Config holds the issuer settings shared by all tokens.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	IDTokenTTL time.Duration
	// ValidMethods is the verification algorithm allow-list. Empty means
	// the algorithms of the configured keys, plus HS256 when a shared
	// secret is set.
	ValidMethods []jose.SignatureAlgorithm
}

// Signer issues and verifies tokens with keys from a Registry.
type Signer struct {
	keys   *keys.Registry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(reg *keys.Registry, cfg Config, logger *slog.Logger) *Signer {
	if len(cfg.ValidMethods) == 0 {
		cfg.ValidMethods = defaultMethods(reg)
	}

	return &Signer{keys: reg, cfg: cfg, logger: logger, now: time.Now}
}

func defaultMethods(reg *keys.Registry) []jose.SignatureAlgorithm {
	seen := make(map[jose.SignatureAlgorithm]struct{})

	var out []jose.SignatureAlgorithm

	add := func(alg jose.SignatureAlgorithm) {
		if _, ok := seen[alg]; ok {
			return
		}

		seen[alg] = struct{}{}
		out = append(out, alg)
	}

	if reg.SharedSecret() != nil {
		add(jose.HS256)
	}

	for _, k := range reg.PublicJWKS().Keys {
		add(jose.SignatureAlgorithm(k.Algorithm))
	}

	if k, err := reg.SelectSigningKey(keys.PurposeAccess); err == nil {
		add(k.Algorithm)
	}

	return out
}

// AccessTTL returns the configured access token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// SupportsIDTokens reports whether an asymmetric key is available for ID
// tokens.
func (s *Signer) SupportsIDTokens() bool {
	_, err := s.keys.SelectSigningKey(keys.PurposeIDToken)
	return err == nil
}

// IssueAccessToken stamps iss, aud (when unset), iat and exp onto c and
// signs it. It returns the token and its expiry.
func (s *Signer) IssueAccessToken(c *AccessClaims) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.AccessTTL)

	c.Issuer = s.cfg.Issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.Expiry = jwt.NewNumericDate(exp)

	if len(c.Audience) == 0 {
		c.Audience = jwt.Audience{DefaultAudience}
	}

	raw, err := s.sign(keys.PurposeAccess, typeAccessToken, c, c.Extra)
	if err != nil {
		return "", time.Time{}, err
	}

	return raw, exp, nil
}

// IssueIDToken signs an ID token with an asymmetric key. The caller sets
// sub, aud (the client) and nonce.
func (s *Signer) IssueIDToken(c *IDTokenClaims) (string, error) {
	now := s.now()

	c.Issuer = s.cfg.Issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	c.Expiry = jwt.NewNumericDate(now.Add(s.cfg.IDTokenTTL))

	if c.AuthTime == nil {
		c.AuthTime = jwt.NewNumericDate(now)
	}

	return s.sign(keys.PurposeIDToken, typeIDToken, c, c.Extra)
}

func (s *Signer) sign(purpose keys.Purpose, typ string, claims any, extra map[string]any) (string, error) {
	key, err := s.keys.SelectSigningKey(purpose)
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	if key.KeyID != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), key.KeyID)
	}

	signer, err := jose.NewSigner(key.Signing(), opts)
	if err != nil {
		return "", fmt.Errorf("creating %s signer: %w", key.Algorithm, err)
	}

	builder := jwt.Signed(signer).Claims(claims)

	if len(extra) > 0 {
		filtered := make(map[string]any, len(extra))

		for k, v := range extra {
			if _, reserved := reservedClaims[k]; !reserved {
				filtered[k] = v
			}
		}

		builder = builder.Claims(filtered)
	}

	raw, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", purpose, err)
	}

	return raw, nil
}

// VerifyAccessToken checks the signature, issuer, audience and expiry of an
// access token. ID tokens are rejected by their client aud and their nonce
// or azp claims; typ must be at+jwt or the plain JWT of older tokens. A kid
// selects the key from the registry and must agree with the header alg.
// Tokens without a kid are accepted only as HS256 under the shared secret.
// Every failure is reported as ErrInvalidToken; the cause is logged.
func (s *Signer) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims, err := s.verify(raw)
	if err != nil {
		s.logger.Debug("access token rejected", slog.String("error", err.Error()))
		return nil, apperrors.ErrInvalidToken.WithCause(err)
	}

	return claims, nil
}

func (s *Signer) verify(raw string) (*AccessClaims, error) {
	tok, err := jwt.ParseSigned(raw, s.cfg.ValidMethods)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("expected one signature, got %d", len(tok.Headers))
	}

	hdr := tok.Headers[0]

	var key any

	switch {
	case hdr.KeyID != "":
		k, ok := s.keys.Lookup(hdr.KeyID)
		if !ok {
			return nil, apperrors.ErrUnrecognizedKey.Describe("unknown kid %q", hdr.KeyID)
		}

		if string(k.Algorithm) != hdr.Algorithm {
			return nil, fmt.Errorf("header alg %s does not match key alg %s", hdr.Algorithm, k.Algorithm)
		}

		key = k.VerificationKey()
	case hdr.Algorithm == string(jose.HS256) && s.keys.SharedSecret() != nil:
		key = s.keys.SharedSecret()
	default:
		return nil, apperrors.ErrUnrecognizedKey.Describe("no kid and alg %s", hdr.Algorithm)
	}

	if typ, ok := hdr.ExtraHeaders[jose.HeaderType].(string); ok && typ != typeAccessToken && typ != typeIDToken {
		return nil, fmt.Errorf("unexpected token type %q", typ)
	}

	var (
		claims AccessClaims
		idOnly idTokenMarkers
	)

	if err := tok.Claims(key, &claims, &idOnly); err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}

	if idOnly.Nonce != "" || idOnly.AuthorizedParty != "" {
		return nil, fmt.Errorf("ID token presented as access token")
	}

	if claims.Expiry == nil {
		return nil, fmt.Errorf("token has no exp claim")
	}

	expected := jwt.Expected{
		Issuer:      s.cfg.Issuer,
		AnyAudience: jwt.Audience{DefaultAudience},
		Time:        s.now(),
	}

	if err := claims.ValidateWithLeeway(expected, 0); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	return &claims, nil
}
