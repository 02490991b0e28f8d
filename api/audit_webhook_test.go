package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestWebhook is newAuditWebhook with a short retry delay and queue.
func startTestWebhook(url, authHeader string, queue int) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: time.Second},
		events:     make(chan webhookEvent, queue),
		retryDelay: 10 * time.Millisecond,
		log:        zap.NewNop(),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookEvent
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	wh.enqueue(webhookEvent{
		Event:      "login_success",
		RemoteAddr: "127.0.0.1",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"principal_id": "p-1"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "login_success", received.Event)
	assert.Equal(t, "127.0.0.1", received.RemoteAddr)
	assert.Equal(t, "p-1", received.Attrs["principal_id"])
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_GivesUpAfterOneRetry(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_Headers(t *testing.T) {
	var gotAuth, gotContentType, gotUA string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "Authorization: Bearer my-token-123", 16)
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Tollgate-Audit-Webhook/1.0", gotUA)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := startTestWebhook(srv.URL, "", 2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			wh.enqueue(webhookEvent{Event: "flood", Timestamp: "2026-01-01T00:00:00Z"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	for i := 0; i < 5; i++ {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestWebhook_AlertPayload(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := startTestWebhook(srv.URL, "", 16)
	wh.alert(AlertEvent{
		Type:      AlertLoginFailureSpike,
		Message:   "login failure rate exceeds threshold",
		Count:     50,
		Threshold: 50,
		Timestamp: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC),
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "alert.login_failure_spike", parsed["event"])
	assert.Equal(t, "2026-06-15T12:00:00Z", parsed["timestamp"])

	attrs, ok := parsed["attrs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "50", attrs["count"])
	assert.Equal(t, "50", attrs["threshold"])
}
