package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/alexjbarnes/authflow/internal/errors"
)

// errorResponse is the RFC 6749 section 5.2 error body. ErrorCode carries
// the engine's finer-grained reason when it differs from Error.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// oauthCodes maps engine reasons that have no RFC 6749 counterpart onto
// the closest standard error code.
var oauthCodes = map[string]string{
	"redirect_uri_mismatch":           "invalid_request",
	"pkce_missing_verifier":           "invalid_request",
	"pkce_verification_failed":        "invalid_grant",
	"pkce_unsupported_method":         "invalid_request",
	"refresh_token_malformed":         "invalid_grant",
	"refresh_token_checksum_invalid":  "invalid_grant",
	"refresh_token_signature_invalid": "invalid_grant",
	"unexpected_client_secret":        "invalid_client",
	"missing_client_secret":           "invalid_client",
	"invalid_credentials":             "invalid_grant",
	"user_banned":                     "invalid_grant",
	"unrecognized_key":                "invalid_token",
	"authorization_not_found":         "invalid_grant",
	"session_not_found":               "invalid_grant",
	"code_already_consumed":           "invalid_grant",
	"conflict":                        "invalid_grant",
	"token_reused":                    "invalid_grant",
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation, apperrors.KindSecurity:
		return http.StatusBadRequest
	case apperrors.KindAuthentication:
		return http.StatusUnauthorized
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error response. Untyped errors are
// internal: they are logged and reported as server_error without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Kind == apperrors.KindConfiguration {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")

		return
	}

	if ae.Err != nil {
		logger.Debug("request rejected", slog.String("reason", ae.Reason), slog.String("cause", ae.Err.Error()))
	}

	resp := errorResponse{Error: ae.Reason, ErrorDescription: ae.Description}
	if code, ok := oauthCodes[ae.Reason]; ok {
		resp.Error = code
		resp.ErrorCode = ae.Reason
	}

	writeJSON(w, statusFor(ae.Kind), resp)
}

// writeTokenError writes a token endpoint error. RFC 6749 section 5.2 uses
// 400 for everything except client authentication failures.
func writeTokenError(w http.ResponseWriter, logger *slog.Logger, err error, basicAuth bool) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Kind == apperrors.KindConfiguration {
		writeError(w, logger, err)
		return
	}

	resp := errorResponse{Error: ae.Reason, ErrorDescription: ae.Description}
	if code, ok := oauthCodes[ae.Reason]; ok {
		resp.Error = code
		resp.ErrorCode = ae.Reason
	}

	status := http.StatusBadRequest

	if resp.Error == "invalid_client" {
		status = http.StatusUnauthorized
		if basicAuth {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
	}

	writeJSON(w, status, resp)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, errorResponse{Error: errCode, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
