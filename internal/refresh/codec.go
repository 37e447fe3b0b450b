// Package refresh encodes and decodes opaque refresh tokens.
//
// Wire layout before base64url (no padding) encoding:
//
//	version    1 byte
//	session   16 bytes (raw UUID)
//	counter    8 bytes (big endian)
//	signature 16 bytes (HMAC-SHA256 under the session key, truncated)
//	checksum   4 bytes (HMAC-SHA256 under an empty key, truncated)
//
// The checksum lets malformed input be rejected before any storage lookup.
// The signature binds the token to its session's key.
package refresh

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

// Version is the only wire version this codec produces and accepts.
const Version byte = 1

const (
	versionLen   = 1
	sessionLen   = 16
	counterLen   = 8
	signatureLen = 16
	checksumLen  = 4

	signedLen = versionLen + sessionLen + counterLen
	bodyLen   = signedLen + signatureLen
	tokenLen  = bodyLen + checksumLen
)

// Token is a parsed refresh token whose checksum has been validated but
// whose signature has not.
type Token struct {
	SessionID uuid.UUID
	Counter   int64

	signed    []byte
	signature []byte
}

// KeyLookup returns the HMAC key of the session a token names.
type KeyLookup func(ctx context.Context, sessionID uuid.UUID) ([]byte, error)

// Encode produces the opaque token for a session at counter.
func Encode(sessionID uuid.UUID, counter int64, key []byte) string {
	buf := make([]byte, 0, tokenLen)
	buf = append(buf, Version)
	buf = append(buf, sessionID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(counter))
	buf = append(buf, sign(key, buf)...)
	buf = append(buf, checksum(buf)...)

	return base64.RawURLEncoding.EncodeToString(buf)
}

// Parse decodes token and validates its length, version and checksum. It
// does not touch storage.
func Parse(token string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Token{}, apperrors.ErrRefreshTokenMalformed.WithCause(err)
	}

	if len(raw) != tokenLen {
		return Token{}, apperrors.ErrRefreshTokenMalformed.WithCause(fmt.Errorf("length %d, want %d", len(raw), tokenLen))
	}

	if !hmac.Equal(checksum(raw[:bodyLen]), raw[bodyLen:]) {
		return Token{}, apperrors.ErrRefreshChecksumInvalid
	}

	if raw[0] != Version {
		return Token{}, apperrors.ErrRefreshTokenMalformed.WithCause(fmt.Errorf("unknown version %d", raw[0]))
	}

	var id uuid.UUID
	copy(id[:], raw[versionLen:versionLen+sessionLen])

	return Token{
		SessionID: id,
		Counter:   int64(binary.BigEndian.Uint64(raw[versionLen+sessionLen : signedLen])),
		signed:    raw[:signedLen],
		signature: raw[signedLen:bodyLen],
	}, nil
}

// Verify checks the signature against the session's key in constant time.
func (t Token) Verify(key []byte) error {
	if len(t.signed) == 0 || !hmac.Equal(sign(key, t.signed), t.signature) {
		return apperrors.ErrRefreshSignature
	}

	return nil
}

// Decode parses token, looks up its session key and verifies the
// signature. Lookup errors are returned unchanged.
func Decode(ctx context.Context, token string, lookup KeyLookup) (Token, error) {
	t, err := Parse(token)
	if err != nil {
		return Token{}, err
	}

	key, err := lookup(ctx, t.SessionID)
	if err != nil {
		return Token{}, err
	}

	if err := t.Verify(key); err != nil {
		return Token{}, err
	}

	return t, nil
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)

	return mac.Sum(nil)[:signatureLen]
}

func checksum(data []byte) []byte {
	mac := hmac.New(sha256.New, nil)
	mac.Write(data)

	return mac.Sum(nil)[:checksumLen]
}
