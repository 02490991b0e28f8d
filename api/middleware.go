package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/session"
)

type contextKey int

const currentKey contextKey = iota

const (
	sessionCookieName = "tollgate_session"
	bearerPrefix      = "bearer "
	maxUserAgentLen   = 256
	maxDeviceLabelLen = 64
)

// current is the authenticated caller of a request.
type current struct {
	token   string
	session *session.Session
}

// tokenFromRequest returns the session token from the Authorization header
// or, failing that, the session cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthMiddleware resolves the session token to a live, fully verified
// session and stores it on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sess, err := a.manager.Resolve(r.Context(), token)
		if err != nil {
			mapError(w, r, err)
			return
		}

		log := logger.From(r.Context()).With(logger.PrincipalID(sess.PrincipalID), logger.SessionID(sess.ID))
		ctx := logger.ToContext(r.Context(), log)
		ctx = context.WithValue(ctx, currentKey, &current{token: token, session: sess})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentFromContext(ctx context.Context) *current {
	c, _ := ctx.Value(currentKey).(*current)
	return c
}

// RequestLogger logs each request through the context logger and records
// it in m. The route label is the chi pattern, never the raw path.
func RequestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			log := logger.L().With(logger.RequestID(middleware.GetReqID(r.Context())))
			ctx := logger.ToContext(r.Context(), log)
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.HTTPRequest(r.Method, route, status, elapsed)

			fields := []zap.Field{
				logger.Method(r.Method),
				logger.Path(route),
				logger.Status(status),
				logger.Duration(elapsed),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}

func (a *API) device(r *http.Request, label string) session.Device {
	return session.Device{
		UserAgent: truncate(r.UserAgent(), maxUserAgentLen),
		IP:        a.extractClientIP(r),
		Label:     truncate(label, maxDeviceLabelLen),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookie || requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
