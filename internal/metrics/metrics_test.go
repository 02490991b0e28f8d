package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Login("password", "authenticated")
	m.Challenge("totp", "issued")
	m.ChannelAuth("private", "granted")
	m.Publish("ok")
	m.Swept("session", 3)
	m.Revoked("logout")
	m.HTTPRequest("GET", "/x", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Login("password", "challenge_pending")
	m.Login("password", "challenge_pending")
	m.Challenge("email", "exhausted")
	m.Swept("challenge", 4)
	m.Swept("challenge", 0)

	body := scrape(t, m)
	assert.Contains(t, body, `tollgate_logins_total{method="password",outcome="challenge_pending"} 2`)
	assert.Contains(t, body, `tollgate_challenges_total{event="exhausted",factor="email"} 1`)
	assert.Contains(t, body, `tollgate_swept_records_total{kind="challenge"} 4`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.ChannelAuth("presence", "denied")
	m.HTTPRequest("POST", "/api/v1/auth/login", 401, 5*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `tollgate_channel_authorizations_total{kind="presence",result="denied"} 1`)
	assert.Contains(t, body, `tollgate_http_requests_total{method="POST",route="/api/v1/auth/login",status="4xx"} 1`)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
