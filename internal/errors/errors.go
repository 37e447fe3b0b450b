// Package errors defines the typed error taxonomy returned by the engine.
// Callers translate Kind into a transport status and Reason into a wire
// error code; neither carries internal detail.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindNotFound
	KindConflict
	KindConfiguration
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindConfiguration:
		return "configuration"
	case KindSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// Error is a classified engine error. Reason is a stable machine-readable
// code. Description is safe to show to a client. Err is the internal cause
// and is only ever logged.
type Error struct {
	Kind        Kind
	Reason      string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Description, e.Err)
	}

	return e.Reason + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Reason, so sentinels
// survive WithCause and Describe.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return e.Kind == t.Kind && e.Reason == t.Reason
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Err = cause

	return &c
}

// Describe returns a copy of e with a different client-facing description.
func (e *Error) Describe(format string, args ...any) *Error {
	c := *e
	c.Description = fmt.Sprintf(format, args...)

	return &c
}

// New creates a classified error.
func New(kind Kind, reason, description string) *Error {
	return &Error{Kind: kind, Reason: reason, Description: description}
}

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}

// Request validation errors.
var (
	ErrInvalidRequest          = New(KindValidation, "invalid_request", "the request is missing a parameter or is malformed")
	ErrInvalidScope            = New(KindValidation, "invalid_scope", "the requested scope is invalid or unknown")
	ErrUnsupportedResponseType = New(KindValidation, "unsupported_response_type", "only response_type=code is supported")
	ErrUnsupportedGrantType    = New(KindValidation, "unsupported_grant_type", "the grant type is not supported")
	ErrUnauthorizedClient      = New(KindValidation, "unauthorized_client", "the client is not allowed to use this grant")
	ErrRedirectURIMismatch     = New(KindValidation, "redirect_uri_mismatch", "redirect_uri does not match a registered URI")
	ErrInvalidGrant            = New(KindValidation, "invalid_grant", "the grant is invalid or was issued to another client")
	ErrMissingVerifier         = New(KindValidation, "pkce_missing_verifier", "code_verifier is required")
	ErrPKCEFailed              = New(KindValidation, "pkce_verification_failed", "code_verifier does not match the code challenge")
	ErrUnsupportedPKCEMethod   = New(KindValidation, "pkce_unsupported_method", "unsupported code_challenge_method")
	ErrRefreshTokenMalformed   = New(KindValidation, "refresh_token_malformed", "refresh token is malformed")
	ErrRefreshChecksumInvalid  = New(KindValidation, "refresh_token_checksum_invalid", "refresh token is malformed")
	ErrAccessDenied            = New(KindValidation, "access_denied", "the resource owner denied the request")
)

// Authentication errors. Client and user messages never reveal whether the
// identifier exists.
var (
	ErrInvalidClient          = New(KindAuthentication, "invalid_client", "client authentication failed")
	ErrUnexpectedClientSecret = New(KindAuthentication, "unexpected_client_secret", "public clients must not send a client_secret")
	ErrMissingClientSecret    = New(KindAuthentication, "missing_client_secret", "client_secret is required")
	ErrInvalidCredentials     = New(KindAuthentication, "invalid_credentials", "invalid email or password")
	ErrInvalidToken           = New(KindAuthentication, "invalid_token", "invalid or expired token")
	ErrUnrecognizedKey        = New(KindAuthentication, "unrecognized_key", "token references an unknown signing key")
	ErrRefreshSignature       = New(KindAuthentication, "refresh_token_signature_invalid", "refresh token is invalid")
	ErrUserBanned             = New(KindAuthentication, "user_banned", "the user is not allowed to sign in")
)

// Lookup errors. Expired and foreign records are reported the same way as
// missing ones.
var (
	ErrAuthorizationNotFound = New(KindNotFound, "authorization_not_found", "authorization not found or expired")
	ErrSessionNotFound       = New(KindNotFound, "session_not_found", "session not found or expired")
	ErrConsentNotFound       = New(KindNotFound, "consent_not_found", "consent not found")
	ErrClientNotFound        = New(KindNotFound, "client_not_found", "client not found")
)

// Concurrency errors.
var (
	ErrCodeAlreadyConsumed = New(KindConflict, "code_already_consumed", "authorization code has already been used")
	ErrConflict            = New(KindConflict, "conflict", "the resource was modified concurrently")
	ErrAuthorizationState  = New(KindConflict, "authorization_not_pending", "authorization is no longer pending")
)

// Configuration errors. These are fatal at startup.
var (
	ErrNoSigningKey  = New(KindConfiguration, "no_signing_key_available", "no key is eligible to sign this token")
	ErrInvalidKeySet = New(KindConfiguration, "invalid_key_set", "the configured key set is invalid")
)

// Security errors.
var (
	ErrTokenReused = New(KindSecurity, "token_reused", "refresh token has already been used")
)
