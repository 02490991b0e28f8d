package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/principal"
)

func memoryConfig() *config.Config {
	c := config.Default()
	c.Storage.Backend = "memory"
	c.Broker.Secret = "0123456789abcdef0123456789abcdef"
	return c
}

func bboltConfig(t *testing.T) *config.Config {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c := config.Default()
	c.Storage.Backend = "bbolt"
	c.Storage.DataDir = t.TempDir()
	c.Storage.SealKey = base64.StdEncoding.EncodeToString(key)
	return c
}

func TestBuildStack_Memory(t *testing.T) {
	s, err := buildStack(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.metrics)
	assert.NotNil(t, s.store)
	assert.NotNil(t, s.principals)
	assert.NotNil(t, s.engine)
	assert.NotNil(t, s.passkeys)
	assert.NotNil(t, s.adapter)
	assert.NotNil(t, s.manager)
	assert.NotNil(t, s.memLimiter)
	assert.Nil(t, s.ipLimiter, "memory backend keeps the api's own limiters")
}

func TestBuildStack_UnknownBackendFails(t *testing.T) {
	c := memoryConfig()
	c.Storage.Backend = "cassandra"
	_, err := buildStack(context.Background(), c)
	require.ErrorContains(t, err, "unknown storage backend")
}

func TestStackCloseOrder(t *testing.T) {
	var order []int
	s := &stack{}
	s.onClose(func() error { order = append(order, 1); return nil })
	s.onClose(func() error { order = append(order, 2); return io.ErrClosedPipe })

	err := s.Close()
	require.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, []int{2, 1}, order)
	require.NoError(t, s.Close(), "second close is a no-op")
}

func TestPresenceRule(t *testing.T) {
	ctx := context.Background()
	c := memoryConfig()

	ok, err := presenceRule(c)(ctx, "p1", "room")
	require.NoError(t, err)
	assert.False(t, ok, "presence is closed by default")

	c.Broker.Presence = "open"
	ok, err = presenceRule(c)(ctx, "p1", "room")
	require.NoError(t, err)
	assert.True(t, ok)

	c.Broker.Presence = "members"
	c.Broker.PresenceMembers = map[string][]string{"room": {"p1"}}
	ok, err = presenceRule(c)(ctx, "p1", "room")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = presenceRule(c)(ctx, "p2", "room")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSigner(t *testing.T) {
	log := logger.L()

	c := memoryConfig()
	s, err := newSigner(c, log)
	require.NoError(t, err)
	assert.IsType(t, &channel.HMACSigner{}, s)

	c.Broker.Signer = "jwt"
	s, err = newSigner(c, log)
	require.NoError(t, err)
	assert.IsType(t, &channel.JWTSigner{}, s)

	c.Broker.Secret = ""
	_, err = newSigner(c, log)
	require.NoError(t, err, "a missing secret falls back to a random one")

	c.Broker.Signer = "hmac"
	c.Broker.Secret = "short"
	_, err = newSigner(c, log)
	require.Error(t, err)
}

func TestRouter_HealthMetricsAndAPI(t *testing.T) {
	c := memoryConfig()
	s, err := buildStack(context.Background(), c)
	require.NoError(t, err)
	defer s.Close()

	a, err := newAPI(s, c)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(newRouter(s, a))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tollgate_http_requests_total")
}

func TestNewAPI_RejectsBadProxy(t *testing.T) {
	c := memoryConfig()
	s, err := buildStack(context.Background(), c)
	require.NoError(t, err)
	defer s.Close()

	c.Server.TrustedProxies = []string{"not-a-cidr"}
	_, err = newAPI(s, c)
	require.Error(t, err)
}

func TestAddPrincipalPersists(t *testing.T) {
	ctx := context.Background()
	c := bboltConfig(t)

	created, err := addPrincipal(ctx, c, principal.NewPrincipal{
		Identifier: "Alice",
		Password:   "correct horse battery",
	})
	require.NoError(t, err)

	s := &stack{}
	defer s.Close()
	sealer, err := openStore(ctx, c, s)
	require.NoError(t, err)
	got, err := principal.NewDirectory(s.repo, sealer).Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestAddPrincipalRejectsWeakPassword(t *testing.T) {
	_, err := addPrincipal(context.Background(), bboltConfig(t), principal.NewPrincipal{
		Identifier: "bob",
		Password:   "short",
	})
	require.ErrorIs(t, err, principal.ErrWeakPassword)
}

func TestRunSweep_EmptyStore(t *testing.T) {
	res, err := runSweep(context.Background(), bboltConfig(t))
	require.NoError(t, err)
	assert.Zero(t, res.Sessions)
	assert.Zero(t, res.Challenges)
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("hunter2hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2hunter2", pw)

	pw, err = readPassword(strings.NewReader("no-newline-pass"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline-pass", pw)

	_, err = readPassword(strings.NewReader("\n"))
	require.Error(t, err)
}

func TestPrincipalAddCommand(t *testing.T) {
	c := bboltConfig(t)
	t.Setenv("TOLLGATE_STORAGE", "bbolt")
	t.Setenv("TOLLGATE_DATA_DIR", c.Storage.DataDir)
	t.Setenv("TOLLGATE_SEAL_KEY", c.Storage.SealKey)

	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader("correct horse battery\n"))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--env-file", "", "principal", "add", "carol", "--display-name", "Carol"})
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Created principal carol")
}
