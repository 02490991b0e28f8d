package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/tollgate/internal/util"
)

const (
	csrfCookieName = "tollgate_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 24
)

// CSRFMiddleware enforces double-submit cookie CSRF protection for
// cookie-authenticated mutating requests. Safe methods and requests that
// carry no session cookie are exempt: a bearer token cannot be attached by
// a cross-origin form.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(sessionCookieName); err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the double-submit cookie. It is readable by scripts
// so the client can echo it in the X-CSRF-Token header.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request) error {
	token, err := util.RandomToken(csrfTokenBytes)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.secureCookie || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   a.secureCookie || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
