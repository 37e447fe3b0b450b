// Package pkce verifies Proof Key for Code Exchange (RFC 7636) parameters.
package pkce

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

// Normalized method names as stored on an authorization.
const (
	MethodPlain = "plain"
	MethodS256  = "s256"
)

// Verifier and challenge length bounds from RFC 7636 section 4.1.
const (
	minLength = 43
	maxLength = 128
)

// NormalizeMethod lowercases a code_challenge_method. It returns false for
// anything other than plain or S256 in any case.
func NormalizeMethod(method string) (string, bool) {
	switch strings.ToLower(method) {
	case MethodPlain:
		return MethodPlain, true
	case MethodS256:
		return MethodS256, true
	default:
		return "", false
	}
}

// ValidateMethodForAuthorize checks the method sent on the initial
// authorization request. Only S256 is accepted there, spelled exactly. An
// empty method is treated as S256.
func ValidateMethodForAuthorize(method string) (string, error) {
	if method == "" || method == "S256" {
		return MethodS256, nil
	}

	return "", apperrors.ErrUnsupportedPKCEMethod.Describe("code_challenge_method must be S256")
}

// ValidateChallenge checks that a challenge or verifier uses the RFC 7636
// unreserved alphabet and length.
func ValidateChallenge(s string) bool {
	if len(s) < minLength || len(s) > maxLength {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}

	return true
}

// S256Challenge derives the S256 challenge for a verifier,
// BASE64URL(SHA256(verifier)).
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify checks verifier against the stored challenge. With no stored
// challenge the flow did not use PKCE and verification passes. The method
// is compared case-insensitively. Comparison is constant time; a length
// mismatch fails without comparing content.
func Verify(storedChallenge, method, verifier string) (bool, error) {
	if storedChallenge == "" {
		return true, nil
	}

	if verifier == "" {
		return false, apperrors.ErrMissingVerifier
	}

	m, ok := NormalizeMethod(method)
	if !ok {
		return false, apperrors.ErrUnsupportedPKCEMethod
	}

	computed := verifier
	if m == MethodS256 {
		computed = S256Challenge(verifier)
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1, nil
}
