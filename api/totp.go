package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/session"
)

const (
	totpIssuer   = "Tollgate"
	totpSetupTTL = 10 * time.Minute
)

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

func verifyTOTP(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(normalizeCode(code), secret, now, challenge.TOTPOpts)
	return err == nil && ok
}

// TwoFactorStatus handles GET /auth/2fa.
func (a *API) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	p, err := a.principals.Get(r.Context(), cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	f := p.SecondFactor()
	writeJSON(w, http.StatusOK, TwoFactorStatusResponse{Enabled: f != principal.FactorNone, Factor: string(f)})
}

// SetupTwoFactor handles POST /auth/2fa/setup. The generated secret is held
// on the session until EnableTwoFactor proves the authenticator has it.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := a.extractClientIP(r)
	if blocked, retryAfter := checkLimit(ctx, a.regLimiter, regKey(ip)); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "2fa setup ip rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	recordLimit(ctx, a.regLimiter, regKey(ip), false)

	cur := currentFromContext(ctx)
	p, err := a.principals.Get(ctx, cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: p.Identifier,
		Period:      challenge.TOTPOpts.Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		writeInternalError(w, r, "generate totp secret", err)
		return
	}

	expiry := time.Now().Add(totpSetupTTL).UTC()
	_, err = a.manager.UpdateSession(ctx, cur.session.ID, func(s *session.Session) error {
		s.PendingTOTPSecret = key.Secret()
		s.PendingTOTPExpiry = expiry
		return nil
	})
	if err != nil {
		mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorSetup, r, p.ID)
	writeJSON(w, http.StatusOK, SetupTwoFactorResponse{
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
		ExpiresAt:  expiry.Format(time.RFC3339),
	})
}

// EnableTwoFactor handles POST /auth/2fa/enable.
func (a *API) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cur := currentFromContext(ctx)
	req, ok := decodeJSON[EnableTwoFactorRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	now := time.Now()
	secret := cur.session.PendingTOTPSecret
	if secret == "" || now.After(cur.session.PendingTOTPExpiry) {
		writeError(w, http.StatusBadRequest, "2fa setup expired; start setup again")
		return
	}
	if !verifyTOTP(secret, req.Code, now) {
		writeError(w, http.StatusUnauthorized, "invalid one-time code")
		return
	}

	if err := a.principals.EnrollTOTP(ctx, cur.session.PrincipalID, secret); err != nil {
		mapError(w, r, err)
		return
	}
	_, err := a.manager.UpdateSession(ctx, cur.session.ID, func(s *session.Session) error {
		s.PendingTOTPSecret = ""
		s.PendingTOTPExpiry = time.Time{}
		return nil
	})
	if err != nil {
		mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorEnabled, r, cur.session.PrincipalID)
	writeJSON(w, http.StatusOK, TwoFactorStatusResponse{Enabled: true, Factor: string(principal.FactorTOTP)})
}

// DisableTwoFactor handles DELETE /auth/2fa. Removing TOTP needs a current
// code from the enrolled authenticator.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cur := currentFromContext(ctx)
	p, err := a.principals.Get(ctx, cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}

	switch p.SecondFactor() {
	case principal.FactorNone:
		writeError(w, http.StatusBadRequest, "no second factor enrolled")
		return
	case principal.FactorTOTP:
		req, ok := decodeJSON[EnableTwoFactorRequest](w, r, maxAuthBodySize)
		if !ok {
			return
		}
		if !verifyTOTP(p.TOTPSecret, req.Code, time.Now()) {
			writeError(w, http.StatusUnauthorized, "invalid one-time code")
			return
		}
		err = a.principals.RemoveTOTP(ctx, p.ID)
	case principal.FactorEmail:
		err = a.principals.SetEmailOTP(ctx, p.ID, false)
	}
	if err != nil {
		mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorDisabled, r, p.ID)
	if p, err = a.principals.Get(ctx, p.ID); err != nil {
		mapError(w, r, err)
		return
	}
	f := p.SecondFactor()
	writeJSON(w, http.StatusOK, TwoFactorStatusResponse{Enabled: f != principal.FactorNone, Factor: string(f)})
}
