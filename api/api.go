// Package api is the HTTP surface of tollgate: account registration, login
// with second factors and passkeys, session management, and the real-time
// channel authorization endpoint.
package api

import (
	"context"
	_ "embed"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/auth"
	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/ratelimit"
	"github.com/jmcleod/tollgate/session"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Challenges is the part of the challenge engine the API reads from.
type Challenges interface {
	Get(ctx context.Context, challengeID string) (*session.Challenge, error)
}

// Realtime answers broker subscription handshakes.
type Realtime interface {
	OnSubscriptionRequest(ctx context.Context, token, channelName, socketID string) (*channel.Grant, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	manager    *auth.Manager
	principals *principal.Directory
	challenges Challenges
	passkeys   *credential.WebAuthn
	realtime   Realtime

	ipLimiter      ratelimit.Limiter
	regLimiter     ratelimit.Limiter
	trustedProxies []netip.Prefix
	secureCookie   bool
	audit          *auditLogger
	alertFn        AlertFunc
}

// Option configures the API instance.
type Option func(*API)

// WithPasskeys enables passkey login and registration.
func WithPasskeys(w *credential.WebAuthn) Option {
	return func(a *API) { a.passkeys = w }
}

// WithRealtime enables POST /realtime/auth.
func WithRealtime(rt Realtime) Option {
	return func(a *API) { a.realtime = rt }
}

// WithLimiters replaces the per-IP login and registration limiters.
func WithLimiters(ip, registration ratelimit.Limiter) Option {
	return func(a *API) {
		a.ipLimiter = ip
		a.regLimiter = registration
	}
}

// WithTrustedProxies lists the peers whose forwarding headers are believed.
func WithTrustedProxies(p []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = p }
}

// WithSecureCookies marks cookies Secure even on plain-HTTP requests, for
// deployments behind a TLS-terminating proxy.
func WithSecureCookies(on bool) Option {
	return func(a *API) { a.secureCookie = on }
}

// WithLogger sets the zap logger for audit events.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) { a.audit.log = l.With(zap.String("component", "audit")) }
}

// WithAlerts registers a callback for failure spikes seen in the audit
// stream.
func WithAlerts(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards audit events and alerts to url. authHeader is
// an optional "Name: value" header sent with each request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.audit.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// New creates a new API instance.
func New(manager *auth.Manager, principals *principal.Directory, challenges Challenges, opts ...Option) *API {
	a := &API{
		manager:    manager,
		principals: principals,
		challenges: challenges,
		ipLimiter:  DefaultIPLimiter(),
		regLimiter: DefaultRegistrationLimiter(),
		audit:      newAuditLogger(logger.L()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.audit.clientIP = a.extractClientIP
	if a.alertFn != nil || a.audit.webhook != nil {
		a.audit.alerts = newAlertCollector(a.raiseAlert)
	}
	return a
}

func (a *API) raiseAlert(e AlertEvent) {
	logger.L().Warn("security alert",
		zap.String("type", string(e.Type)), zap.Int("count", e.Count), zap.Int("threshold", e.Threshold))
	if a.alertFn != nil {
		a.alertFn(e)
	}
	if a.audit.webhook != nil {
		a.audit.webhook.alert(e)
	}
}

// Close flushes the audit webhook queue.
func (a *API) Close() {
	a.audit.close()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.CSRFMiddleware)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/passkey/begin", a.BeginPasskeyLogin)
	r.Post("/auth/passkey/finish", a.FinishPasskeyLogin)
	r.Get("/auth/challenges/{challengeID}", a.GetChallenge)
	r.Post("/auth/challenges/{challengeID}/verify", a.VerifyChallenge)
	r.Delete("/auth/challenges/{challengeID}", a.CancelChallenge)
	r.Post("/auth/logout", a.Logout)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Post("/auth/logout-all", a.LogoutAll)
		r.Get("/auth/me", a.Me)
		r.Delete("/auth/me", a.DeleteMe)
		r.Get("/auth/sessions", a.ListSessions)
		r.Delete("/auth/sessions/{sessionID}", a.RevokeSession)
		r.Get("/auth/2fa", a.TwoFactorStatus)
		r.Post("/auth/2fa/setup", a.SetupTwoFactor)
		r.Post("/auth/2fa/enable", a.EnableTwoFactor)
		r.Delete("/auth/2fa", a.DisableTwoFactor)
		r.Post("/auth/passkeys/register/begin", a.BeginPasskeyRegistration)
		r.Post("/auth/passkeys/register/finish", a.FinishPasskeyRegistration)
	})

	r.Post("/realtime/auth", a.RealtimeAuth)

	return r
}
