package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/auth"
	"github.com/jmcleod/tollgate/broker"
	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/notify"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/ratelimit"
	"github.com/jmcleod/tollgate/session"
)

const (
	maxAuthBodySize    = 16 << 10
	maxPasskeyBodySize = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers with a generic message.
func writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.From(r.Context()).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON reads a size-limited JSON body into T. It writes a 400 and
// returns false on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", bodyError(err)))
		return v, false
	}
	return v, true
}

func bodyError(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "empty or truncated"
	case errors.As(err, &syntaxErr):
		return "malformed JSON"
	case errors.As(err, &typeErr):
		return "wrong type for " + typeErr.Field
	default:
		return "unexpected content"
	}
}

type mismatchResponse struct {
	Error     string `json:"error"`
	Remaining int    `json:"remaining_attempts"`
}

// mapError translates a domain error into an HTTP response. Messages are
// fixed strings: no code, token or identifier is echoed back.
func mapError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *credential.RateLimitedError
	var mismatch *challenge.MismatchError

	switch {
	case errors.As(err, &limited):
		writeRateLimited(w, limited.RetryAfter)
	case errors.Is(err, credential.ErrRateLimited):
		writeRateLimited(w, 0)

	case errors.Is(err, credential.ErrInvalidCredential),
		errors.Is(err, credential.ErrPrincipalNotFound),
		errors.Is(err, credential.ErrNoPasskeys):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, credential.ErrCeremonyNotFound):
		writeError(w, http.StatusBadRequest, "passkey ceremony expired; start again")

	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusUnauthorized, mismatchResponse{Error: "incorrect code", Remaining: mismatch.Remaining})
	case errors.Is(err, challenge.ErrChallengeExhausted):
		writeError(w, http.StatusForbidden, "too many incorrect codes; log in again")
	case errors.Is(err, challenge.ErrChallengeExpired):
		writeError(w, http.StatusGone, "challenge expired; log in again")
	case errors.Is(err, challenge.ErrChallengeCancelled):
		writeError(w, http.StatusGone, "challenge cancelled")
	case errors.Is(err, challenge.ErrAlreadyConsumed):
		writeError(w, http.StatusConflict, "challenge already used")
	case errors.Is(err, challenge.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "challenge not found")
	case errors.Is(err, challenge.ErrFactorNotEnrolled):
		writeError(w, http.StatusBadRequest, "no second factor enrolled")
	case errors.Is(err, notify.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "code delivery unavailable")

	case errors.Is(err, auth.ErrSessionInvalid), errors.Is(err, channel.ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")

	case errors.Is(err, channel.ErrChannelDenied):
		writeError(w, http.StatusForbidden, "channel access denied")
	case errors.Is(err, channel.ErrPublicChannel):
		writeError(w, http.StatusForbidden, "public channels need no authorization")
	case errors.Is(err, channel.ErrInvalidChannel):
		writeError(w, http.StatusBadRequest, "invalid channel name")
	case errors.Is(err, channel.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid socket id")
	case errors.Is(err, broker.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid event name")

	case errors.Is(err, principal.ErrIdentifierTaken):
		writeError(w, http.StatusConflict, "identifier already registered")
	case errors.Is(err, principal.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid identifier")
	case errors.Is(err, principal.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "password too short")
	case errors.Is(err, principal.ErrEmailRequired):
		writeError(w, http.StatusBadRequest, "email address required")
	case errors.Is(err, principal.ErrPasskeyNotFound):
		writeError(w, http.StatusNotFound, "passkey not found")
	case errors.Is(err, principal.ErrNotFound):
		writeError(w, http.StatusNotFound, "principal not found")
	case errors.Is(err, principal.ErrConflict):
		writeError(w, http.StatusConflict, "account modified concurrently; retry")

	case errors.Is(err, session.ErrStoreUnavailable):
		logger.From(r.Context()).Error("session store unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeInternalError(w, r, "unhandled error", err)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed attempts; try again later")
}
