package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/auth"
	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/uuid"
	"github.com/jmcleod/tollgate/principal"
)

// challengeParam reads the challenge id from the path. Ids that cannot
// name a challenge are answered with 404 before touching the store.
func challengeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "challengeID")
	if !uuid.Valid(id) {
		writeError(w, http.StatusNotFound, "challenge not found")
		return "", false
	}
	return id, true
}

// Register handles POST /auth/register. The new account is logged in at
// once; it has no second factor yet.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := a.extractClientIP(r)
	if blocked, retryAfter := checkLimit(ctx, a.regLimiter, regKey(ip)); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	// Counted before the expensive hash, whatever the outcome.
	recordLimit(ctx, a.regLimiter, regKey(ip), false)

	p, err := a.principals.Create(ctx, principal.NewPrincipal{
		Identifier:  req.Identifier,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditRegister, r, p.ID)

	out, err := a.manager.Start(ctx, req.Identifier, credential.Password(req.Password), a.device(r, ""))
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.writeOutcome(w, r, out, http.StatusCreated)
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}
	a.startLogin(w, r, req.Identifier, credential.Password(req.Password), req.Device)
}

// startLogin runs the primary step for any proof type, applying the per-IP
// limiter around it.
func (a *API) startLogin(w http.ResponseWriter, r *http.Request, identifier string, proof credential.Proof, device string) {
	ctx := r.Context()
	ip := a.extractClientIP(r)
	if blocked, retryAfter := checkLimit(ctx, a.ipLimiter, ipKey(ip)); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter)
		return
	}

	out, err := a.manager.Start(ctx, identifier, proof, a.device(r, device))
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrRateLimited):
			a.audit.logFailure(AuditLoginRateLimited, r, "identifier rate limited", zap.String("method", proof.Method()))
		case errors.Is(err, credential.ErrInvalidCredential),
			errors.Is(err, credential.ErrPrincipalNotFound),
			errors.Is(err, credential.ErrNoPasskeys):
			recordLimit(ctx, a.ipLimiter, ipKey(ip), false)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", zap.String("method", proof.Method()))
		}
		mapError(w, r, err)
		return
	}
	recordLimit(ctx, a.ipLimiter, ipKey(ip), true)

	if out.State == auth.StateChallengePending {
		a.audit.logEvent(AuditChallengeIssued, r, out.Principal.ID,
			logger.ChallengeID(out.Challenge.ID), logger.Factor(out.Challenge.Factor))
	} else {
		event := AuditLoginSuccess
		if proof.Method() == "passkey" {
			event = AuditPasskeyLoginSuccess
		}
		a.audit.logEvent(event, r, out.Principal.ID, logger.SessionID(out.Session.ID))
	}
	a.writeOutcome(w, r, out, http.StatusOK)
}

// VerifyChallenge handles POST /auth/challenges/{challengeID}/verify.
func (a *API) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := challengeParam(w, r)
	if !ok {
		return
	}
	ip := a.extractClientIP(r)
	if blocked, retryAfter := checkLimit(ctx, a.ipLimiter, ipKey(ip)); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", logger.ChallengeID(id))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[VerifyChallengeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	code := normalizeCode(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	out, err := a.manager.CompleteSecondFactor(ctx, id, code)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrCodeMismatch):
			recordLimit(ctx, a.ipLimiter, ipKey(ip), false)
			a.audit.logFailure(AuditChallengeFailed, r, "code mismatch", logger.ChallengeID(id))
		case errors.Is(err, challenge.ErrChallengeExhausted):
			recordLimit(ctx, a.ipLimiter, ipKey(ip), false)
			a.audit.logFailure(AuditChallengeExhausted, r, "attempts exhausted", logger.ChallengeID(id))
		}
		mapError(w, r, err)
		return
	}
	recordLimit(ctx, a.ipLimiter, ipKey(ip), true)
	a.audit.logEvent(AuditLoginSuccess, r, out.Session.PrincipalID,
		logger.SessionID(out.Session.ID), logger.Factor(out.Session.SecondFactor))
	a.writeOutcome(w, r, out, http.StatusOK)
}

// GetChallenge handles GET /auth/challenges/{challengeID} so a client can
// poll a challenge it holds the id of.
func (a *API) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeParam(w, r)
	if !ok {
		return
	}
	c, err := a.challenges.Get(r.Context(), id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeInfo{
		ID:        c.ID,
		Factor:    c.Factor,
		State:     string(c.State),
		ExpiresAt: c.ExpiresAt,
		Remaining: c.Remaining(),
	})
}

// CancelChallenge handles DELETE /auth/challenges/{challengeID}.
func (a *API) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeParam(w, r)
	if !ok {
		return
	}
	if err := a.manager.CancelChallenge(r.Context(), id); err != nil {
		mapError(w, r, err)
		return
	}
	a.audit.logFailure(AuditChallengeCancelled, r, "cancelled by client", logger.ChallengeID(id))
	w.WriteHeader(http.StatusNoContent)
}

// Logout handles POST /auth/logout. It succeeds without a session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if token := tokenFromRequest(r); token != "" {
		if err := a.manager.Revoke(r.Context(), token); err != nil {
			mapError(w, r, err)
			return
		}
	}
	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	a.audit.record(AuditLogout, r)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout-all.
func (a *API) LogoutAll(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	n, err := a.manager.RevokeAll(r.Context(), cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	a.audit.logEvent(AuditLogoutAll, r, cur.session.PrincipalID, zap.Int("revoked", n))
	writeJSON(w, http.StatusOK, LogoutAllResponse{Revoked: n})
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	p, err := a.principals.Get(r.Context(), cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Profile())
}

// DeleteMe handles DELETE /auth/me. Sessions are revoked before the account
// is removed.
func (a *API) DeleteMe(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	if err := a.principals.Delete(r.Context(), cur.session.PrincipalID); err != nil {
		mapError(w, r, err)
		return
	}
	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	a.audit.logEvent(AuditAccountDeleted, r, cur.session.PrincipalID)
	w.WriteHeader(http.StatusNoContent)
}

// writeOutcome answers a login step. An authenticated outcome sets the
// session and CSRF cookies and also returns the token for bearer clients.
func (a *API) writeOutcome(w http.ResponseWriter, r *http.Request, out *auth.Outcome, status int) {
	resp := LoginResponse{State: string(out.State)}

	if out.State == auth.StateChallengePending {
		c := out.Challenge
		resp.Challenge = &ChallengeInfo{
			ID:        c.ID,
			Factor:    c.Factor,
			ExpiresAt: c.ExpiresAt,
			Remaining: c.Remaining(),
		}
		writeJSON(w, status, resp)
		return
	}

	p := out.Principal
	if p == nil {
		var err error
		if p, err = a.principals.Get(r.Context(), out.Session.PrincipalID); err != nil {
			logger.From(r.Context()).Warn("load principal after login", zap.Error(err))
		}
	}
	if p != nil {
		profile := p.Profile()
		resp.Principal = &profile
	}
	expires := out.Session.ExpiresAt
	resp.Token = out.Token
	resp.ExpiresAt = &expires

	a.writeSessionCookie(w, r, out.Token, expires)
	if err := a.writeCSRFCookie(w, r); err != nil {
		writeInternalError(w, r, "issue csrf cookie", err)
		return
	}
	writeJSON(w, status, resp)
}
