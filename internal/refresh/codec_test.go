package refresh

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func staticLookup(key []byte) KeyLookup {
	return func(context.Context, uuid.UUID) ([]byte, error) { return key, nil }
}

// --- Round trip ---

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, counter := range []int64{0, 1, 5, 1 << 40} {
		id := uuid.New()
		token := Encode(id, counter, testKey)

		got, err := Decode(context.Background(), token, staticLookup(testKey))
		require.NoError(t, err)
		assert.Equal(t, id, got.SessionID)
		assert.Equal(t, counter, got.Counter)
	}
}

func TestEncode_FixedLengthNoPadding(t *testing.T) {
	token := Encode(uuid.New(), 7, testKey)

	assert.Len(t, token, base64.RawURLEncoding.EncodedLen(tokenLen))
	assert.NotContains(t, token, "=")
}

// --- Failure modes ---

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{"", "not base64!", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
		_, err := Parse(in)
		assert.True(t, errors.Is(err, apperrors.ErrRefreshTokenMalformed), "input %q: %v", in, err)
	}
}

func TestParse_ChecksumInvalid(t *testing.T) {
	raw, err := base64.RawURLEncoding.DecodeString(Encode(uuid.New(), 1, testKey))
	require.NoError(t, err)

	raw[5] ^= 0xff

	_, err = Parse(base64.RawURLEncoding.EncodeToString(raw))
	assert.True(t, errors.Is(err, apperrors.ErrRefreshChecksumInvalid))
}

func TestParse_ChecksumCheckedBeforeLookup(t *testing.T) {
	raw, err := base64.RawURLEncoding.DecodeString(Encode(uuid.New(), 1, testKey))
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0x01

	called := false
	lookup := func(context.Context, uuid.UUID) ([]byte, error) {
		called = true
		return testKey, nil
	}

	_, err = Decode(context.Background(), base64.RawURLEncoding.EncodeToString(raw), lookup)
	assert.True(t, errors.Is(err, apperrors.ErrRefreshChecksumInvalid))
	assert.False(t, called, "lookup must not run for a bad checksum")
}

func TestDecode_WrongKeySignatureInvalid(t *testing.T) {
	token := Encode(uuid.New(), 3, testKey)

	_, err := Decode(context.Background(), token, staticLookup([]byte("another-session-key")))
	assert.True(t, errors.Is(err, apperrors.ErrRefreshSignature))
}

func TestDecode_LookupErrorPassesThrough(t *testing.T) {
	lookupErr := errors.New("session gone")

	_, err := Decode(context.Background(), Encode(uuid.New(), 0, testKey),
		func(context.Context, uuid.UUID) ([]byte, error) { return nil, lookupErr })
	assert.ErrorIs(t, err, lookupErr)
}

func TestParse_UnknownVersion(t *testing.T) {
	raw, err := base64.RawURLEncoding.DecodeString(Encode(uuid.New(), 0, testKey))
	require.NoError(t, err)

	raw[0] = 9
	copy(raw[bodyLen:], checksum(raw[:bodyLen]))

	_, err = Parse(base64.RawURLEncoding.EncodeToString(raw))
	assert.True(t, errors.Is(err, apperrors.ErrRefreshTokenMalformed))
}

func TestToken_VerifyZeroValue(t *testing.T) {
	assert.True(t, errors.Is(Token{}.Verify(testKey), apperrors.ErrRefreshSignature))
}
