package pkce

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// --- Verify ---

func TestVerify_S256_RFCVector(t *testing.T) {
	// RFC 7636 Appendix B.
	ok, err := Verify("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSW7cM", "S256", testVerifier)
	require.NoError(t, err)
	assert.False(t, ok, "wrong challenge must not match")

	ok, err = Verify("E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSW-cM", "S256", testVerifier)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_MatchesOAuth2Library(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	for _, method := range []string{"S256", "s256"} {
		ok, err := Verify(challenge, method, verifier)
		require.NoError(t, err)
		assert.True(t, ok, method)
	}
}

func TestVerify_Plain(t *testing.T) {
	ok, err := Verify(testVerifier, "plain", testVerifier)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(testVerifier, "PLAIN", testVerifier+"x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_BitFlipFails(t *testing.T) {
	challenge := S256Challenge(testVerifier)

	flipped := []byte(testVerifier)
	flipped[10] ^= 0x01

	ok, err := Verify(challenge, "S256", string(flipped))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_NoStoredChallengePasses(t *testing.T) {
	ok, err := Verify("", "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_MissingVerifier(t *testing.T) {
	_, err := Verify(S256Challenge(testVerifier), "S256", "")
	assert.True(t, errors.Is(err, apperrors.ErrMissingVerifier))
}

func TestVerify_UnsupportedMethod(t *testing.T) {
	_, err := Verify("challenge", "S512", testVerifier)
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedPKCEMethod))
}

func TestVerify_LengthMismatch(t *testing.T) {
	ok, err := Verify("short", "plain", testVerifier)
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Challenge ---

func TestS256Challenge_RFCVector(t *testing.T) {
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSW-cM", S256Challenge(testVerifier))
}

// --- Authorize-time validation ---

func TestValidateMethodForAuthorize(t *testing.T) {
	m, err := ValidateMethodForAuthorize("S256")
	require.NoError(t, err)
	assert.Equal(t, MethodS256, m)

	m, err = ValidateMethodForAuthorize("")
	require.NoError(t, err)
	assert.Equal(t, MethodS256, m)

	for _, bad := range []string{"plain", "s256", "S512"} {
		_, err := ValidateMethodForAuthorize(bad)
		assert.True(t, errors.Is(err, apperrors.ErrUnsupportedPKCEMethod), bad)
	}
}

func TestValidateChallenge(t *testing.T) {
	assert.True(t, ValidateChallenge(testVerifier))
	assert.True(t, ValidateChallenge(S256Challenge(testVerifier)))
	assert.False(t, ValidateChallenge("too-short"))
	assert.False(t, ValidateChallenge(testVerifier+"+/"))
	assert.False(t, ValidateChallenge(string(make([]byte, 129))))
}

func TestNormalizeMethod(t *testing.T) {
	m, ok := NormalizeMethod("S256")
	assert.True(t, ok)
	assert.Equal(t, MethodS256, m)

	_, ok = NormalizeMethod("none")
	assert.False(t, ok)
}
