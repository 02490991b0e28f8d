package api

import (
	"errors"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/principal"
)

// BeginPasskeyLogin handles POST /auth/passkey/begin. An unknown
// identifier and one without passkeys get the same answer as a wrong
// password.
func (a *API) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if a.passkeys == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	ctx := r.Context()
	ip := a.extractClientIP(r)
	if blocked, retryAfter := checkLimit(ctx, a.ipLimiter, ipKey(ip)); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", zap.String("method", "passkey"))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[PasskeyBeginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	p, err := a.principals.Lookup(ctx, req.Identifier)
	if errors.Is(err, principal.ErrNotFound) {
		recordLimit(ctx, a.ipLimiter, ipKey(ip), false)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		mapError(w, r, err)
		return
	}

	options, ceremonyID, err := a.passkeys.BeginLogin(p)
	if err != nil {
		if errors.Is(err, credential.ErrNoPasskeys) {
			recordLimit(ctx, a.ipLimiter, ipKey(ip), false)
		}
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PasskeyBeginResponse{CeremonyID: ceremonyID, Options: options})
}

// FinishPasskeyLogin handles POST /auth/passkey/finish. A verified
// assertion goes through the same login path as a password, so a principal
// with a second factor still gets a challenge.
func (a *API) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	if a.passkeys == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	req, ok := decodeJSON[PasskeyFinishRequest](w, r, maxPasskeyBodySize)
	if !ok {
		return
	}
	if req.Identifier == "" || req.CeremonyID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "identifier, ceremony_id and credential are required")
		return
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(req.Credential)
	if err != nil {
		logger.From(r.Context()).Debug("parse passkey assertion", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid passkey response")
		return
	}
	a.startLogin(w, r, req.Identifier, credential.PasskeyAssertion{
		CeremonyID: req.CeremonyID,
		Response:   parsed,
	}, req.Device)
}

// BeginPasskeyRegistration handles POST /auth/passkeys/register/begin.
func (a *API) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	if a.passkeys == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	cur := currentFromContext(r.Context())
	p, err := a.principals.Get(r.Context(), cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	options, ceremonyID, err := a.passkeys.BeginRegistration(p)
	if err != nil {
		writeInternalError(w, r, "begin passkey registration", err)
		return
	}
	writeJSON(w, http.StatusOK, PasskeyBeginResponse{CeremonyID: ceremonyID, Options: options})
}

// FinishPasskeyRegistration handles POST /auth/passkeys/register/finish.
func (a *API) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	if a.passkeys == nil {
		writeError(w, http.StatusNotFound, "passkeys not configured")
		return
	}
	ctx := r.Context()
	cur := currentFromContext(ctx)
	req, ok := decodeJSON[PasskeyRegisterFinishRequest](w, r, maxPasskeyBodySize)
	if !ok {
		return
	}
	if req.CeremonyID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "ceremony_id and credential are required")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(req.Credential)
	if err != nil {
		logger.From(ctx).Debug("parse passkey attestation", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid passkey response")
		return
	}
	p, err := a.principals.Get(ctx, cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	cred, err := a.passkeys.FinishRegistration(ctx, p, req.CeremonyID, parsed)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredential) {
			writeError(w, http.StatusBadRequest, "passkey registration failed")
			return
		}
		mapError(w, r, err)
		return
	}

	id := protocol.URLEncodedBase64(cred.ID).String()
	a.audit.logEvent(AuditPasskeyRegistered, r, p.ID, zap.String("credential_id", id))
	writeJSON(w, http.StatusOK, PasskeyRegisterFinishResponse{CredentialID: id})
}
