package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// LoadPEM loads a private key from a PEM file. RSA (PKCS1 or PKCS8), EC
// (SEC1 or PKCS8) and Ed25519 (PKCS8) keys are supported. The kid is the
// RFC 7638 thumbprint and the algorithm is derived from the key type.
func LoadPEM(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	signer, err := parsePEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	alg, err := deriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}

	kid, err := Thumbprint(signer.Public())
	if err != nil {
		return nil, err
	}

	return &SigningKey{
		KeyID:     kid,
		Algorithm: alg,
		private:   signer,
		public:    signer.Public(),
	}, nil
}

func parsePEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unrecognized private key encoding: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key of type %T cannot sign", key)
	}

	return signer, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a public key,
// base64url encoded without padding.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}

	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// GenerateKey creates a new private JWK for alg (ES256, ES384, RS256 or
// EdDSA) with a thumbprint kid and key_ops omitted.
func GenerateKey(alg jose.SignatureAlgorithm) (jose.JSONWebKey, error) {
	var (
		signer crypto.Signer
		err    error
	)

	switch alg {
	case jose.ES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jose.ES384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jose.RS256:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case jose.EdDSA:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		return jose.JSONWebKey{}, fmt.Errorf("unsupported algorithm %q", alg)
	}

	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("generating %s key: %w", alg, err)
	}

	kid, err := Thumbprint(signer.Public())
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	return jose.JSONWebKey{
		Key:       signer,
		KeyID:     kid,
		Algorithm: string(alg),
		Use:       "sig",
	}, nil
}
