// Package keys holds the signing keys available to the token signer. The
// registry is built once at startup and is read-only afterwards.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

// Purpose selects which tokens a key may sign.
type Purpose int

const (
	PurposeAccess Purpose = iota
	PurposeIDToken
)

func (p Purpose) String() string {
	if p == PurposeIDToken {
		return "id_token"
	}

	return "access"
}

// MinSecretLength is the shortest shared secret accepted for HS256.
const MinSecretLength = 32

// SigningKey is one entry of the registry. Private holds a crypto.Signer or
// a symmetric secret; it is nil for verify-only public keys.
type SigningKey struct {
	KeyID     string
	Algorithm jose.SignatureAlgorithm
	KeyOps    []string

	private any
	public  crypto.PublicKey
}

// Symmetric reports whether the key is a shared secret.
func (k *SigningKey) Symmetric() bool {
	_, ok := k.private.([]byte)
	return ok
}

// CanSign reports whether the key holds private material and its key_ops,
// when declared, include sign.
func (k *SigningKey) CanSign() bool {
	if k.private == nil {
		return false
	}

	if len(k.KeyOps) == 0 {
		return true
	}

	for _, op := range k.KeyOps {
		if op == "sign" {
			return true
		}
	}

	return false
}

// Signing returns the go-jose signing key.
func (k *SigningKey) Signing() jose.SigningKey {
	return jose.SigningKey{Algorithm: k.Algorithm, Key: k.private}
}

// VerificationKey returns the public key, or the secret for symmetric keys.
func (k *SigningKey) VerificationKey() any {
	if k.Symmetric() {
		return k.private
	}

	return k.public
}

// Public returns the public JWK. It fails for symmetric keys, which have no
// public half.
func (k *SigningKey) Public() (jose.JSONWebKey, error) {
	if k.Symmetric() {
		return jose.JSONWebKey{}, fmt.Errorf("key %q is symmetric and has no public form", k.KeyID)
	}

	return jose.JSONWebKey{
		Key:       k.public,
		KeyID:     k.KeyID,
		Algorithm: string(k.Algorithm),
		Use:       "sig",
	}, nil
}

// Config holds the key material supplied at startup.
type Config struct {
	// Secret is the shared HS256 secret. It backs the synthesized default
	// key when no key set is given and the kid-less verification fallback.
	Secret string
	// KeySet is a JSON array of JWKs, or a JWKS object with a keys member.
	KeySet string
	// PEMFiles are private key files added after KeySet, with derived kid
	// and algorithm.
	PEMFiles []string
	// DefaultKeyID is preferred when it is eligible for the purpose.
	DefaultKeyID string
}

// Registry is the immutable set of configured keys.
type Registry struct {
	keys         []*SigningKey
	byKID        map[string]*SigningKey
	defaultKeyID string
	secret       []byte
}

// NewRegistry parses and validates the configured keys. With no key set or
// PEM files it synthesizes an HS256 key from Secret. The synthesized key has
// no kid: tokens it signs carry no kid and verify through the shared-secret
// fallback. It fails with ErrNoSigningKey when no key can sign access tokens.
func NewRegistry(cfg Config) (*Registry, error) {
	r := &Registry{
		byKID:        make(map[string]*SigningKey),
		defaultKeyID: cfg.DefaultKeyID,
	}

	if cfg.Secret != "" {
		if len(cfg.Secret) < MinSecretLength {
			return nil, apperrors.ErrInvalidKeySet.WithCause(
				fmt.Errorf("shared secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret)))
		}

		r.secret = []byte(cfg.Secret)
	}

	if strings.TrimSpace(cfg.KeySet) != "" {
		jwks, err := parseKeySet(cfg.KeySet)
		if err != nil {
			return nil, apperrors.ErrInvalidKeySet.WithCause(err)
		}

		for _, k := range jwks {
			if err := r.add(k); err != nil {
				return nil, apperrors.ErrInvalidKeySet.WithCause(err)
			}
		}
	}

	for _, path := range cfg.PEMFiles {
		k, err := LoadPEM(path)
		if err != nil {
			return nil, apperrors.ErrInvalidKeySet.WithCause(err)
		}

		if err := r.add(k); err != nil {
			return nil, apperrors.ErrInvalidKeySet.WithCause(err)
		}
	}

	if len(r.keys) == 0 {
		if r.secret == nil {
			return nil, apperrors.ErrNoSigningKey.WithCause(fmt.Errorf("neither a key set nor a shared secret is configured"))
		}

		r.keys = append(r.keys, &SigningKey{
			Algorithm: jose.HS256,
			KeyOps:    []string{"sign", "verify"},
			private:   r.secret,
		})
	}

	if r.defaultKeyID != "" {
		if _, ok := r.byKID[r.defaultKeyID]; !ok {
			return nil, apperrors.ErrInvalidKeySet.WithCause(fmt.Errorf("default key id %q is not in the key set", r.defaultKeyID))
		}
	}

	// Verify-only key sets suppress the synthesized key, so check that
	// something can still sign access tokens.
	if _, err := r.SelectSigningKey(PurposeAccess); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) add(k *SigningKey) error {
	if k.KeyID == "" {
		return fmt.Errorf("key at position %d has no kid", len(r.keys))
	}

	if _, dup := r.byKID[k.KeyID]; dup {
		return fmt.Errorf("duplicate kid %q", k.KeyID)
	}

	r.keys = append(r.keys, k)
	r.byKID[k.KeyID] = k

	return nil
}

// SelectSigningKey returns the key to sign a token for purpose. The default
// kid wins when it can sign and, for ID tokens, is asymmetric. Otherwise the
// first eligible key in configuration order is used. ID tokens never use a
// symmetric key.
func (r *Registry) SelectSigningKey(purpose Purpose) (*SigningKey, error) {
	if k, ok := r.byKID[r.defaultKeyID]; ok && eligible(k, purpose) {
		return k, nil
	}

	for _, k := range r.keys {
		if eligible(k, purpose) {
			return k, nil
		}
	}

	return nil, apperrors.ErrNoSigningKey.Describe("no key can sign %s tokens", purpose)
}

func eligible(k *SigningKey, purpose Purpose) bool {
	if !k.CanSign() {
		return false
	}

	return purpose != PurposeIDToken || !k.Symmetric()
}

// Lookup finds a key by kid. The synthesized default key is not indexed.
func (r *Registry) Lookup(kid string) (*SigningKey, bool) {
	k, ok := r.byKID[kid]
	return k, ok
}

// SharedSecret returns the HS256 secret used for kid-less tokens, or nil.
func (r *Registry) SharedSecret() []byte {
	return r.secret
}

// PublicJWKS returns the public halves of all asymmetric keys.
func (r *Registry) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}

	for _, k := range r.keys {
		pub, err := k.Public()
		if err != nil {
			continue
		}

		set.Keys = append(set.Keys, pub)
	}

	return set
}

// parseKeySet accepts a bare JSON array of JWKs or a JWKS object.
func parseKeySet(raw string) ([]*SigningKey, error) {
	raw = strings.TrimSpace(raw)

	var entries []json.RawMessage

	if strings.HasPrefix(raw, "{") {
		var set struct {
			Keys []json.RawMessage `json:"keys"`
		}

		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			return nil, fmt.Errorf("decoding key set: %w", err)
		}

		entries = set.Keys
	} else if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}

	out := make([]*SigningKey, 0, len(entries))

	for i, entry := range entries {
		k, err := parseJWK(entry)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}

		out = append(out, k)
	}

	return out, nil
}

func parseJWK(raw json.RawMessage) (*SigningKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decoding jwk: %w", err)
	}

	// go-jose drops key_ops.
	var meta struct {
		KeyOps []string `json:"key_ops"`
	}

	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding key_ops: %w", err)
	}

	k := &SigningKey{KeyID: jwk.KeyID, KeyOps: meta.KeyOps}

	switch key := jwk.Key.(type) {
	case []byte:
		k.private = key
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		k.private = key
		k.public = key.(crypto.Signer).Public()
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		k.public = key
	default:
		return nil, fmt.Errorf("unsupported key type %T", jwk.Key)
	}

	alg := jose.SignatureAlgorithm(jwk.Algorithm)
	if alg == "" {
		derived, err := deriveAlgorithm(jwk.Key)
		if err != nil {
			return nil, err
		}

		alg = derived
	}

	if err := validateAlgorithmForKey(alg, jwk.Key); err != nil {
		return nil, err
	}

	k.Algorithm = alg

	if k.KeyID == "" && !k.Symmetric() {
		kid, err := Thumbprint(k.public)
		if err != nil {
			return nil, err
		}

		k.KeyID = kid
	}

	return k, nil
}

// deriveAlgorithm picks the default JWS algorithm for a key type.
func deriveAlgorithm(key any) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case []byte:
		return jose.HS256, nil
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		return curveAlgorithm(k.Curve.Params().Name)
	case *ecdsa.PublicKey:
		return curveAlgorithm(k.Curve.Params().Name)
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func curveAlgorithm(curve string) (jose.SignatureAlgorithm, error) {
	switch curve {
	case "P-256":
		return jose.ES256, nil
	case "P-384":
		return jose.ES384, nil
	case "P-521":
		return jose.ES512, nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve)
	}
}

// validateAlgorithmForKey rejects an algorithm that cannot be used with the
// key type, so a configured alg cannot downgrade verification.
func validateAlgorithmForKey(alg jose.SignatureAlgorithm, key any) error {
	switch key.(type) {
	case []byte:
		switch alg {
		case jose.HS256, jose.HS384, jose.HS512:
			return nil
		}
	case *rsa.PrivateKey, *rsa.PublicKey:
		switch alg {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		}
	case *ecdsa.PrivateKey, *ecdsa.PublicKey:
		expected, err := deriveAlgorithm(key)
		if err != nil {
			return err
		}

		if alg == expected {
			return nil
		}
	case ed25519.PrivateKey, ed25519.PublicKey:
		if alg == jose.EdDSA {
			return nil
		}
	}

	return fmt.Errorf("algorithm %s is not compatible with key type %T", alg, key)
}
