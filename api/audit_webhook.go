package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/internal/logger"
)

const (
	// webhookQueueSize is the bounded channel capacity for outbound events.
	webhookQueueSize  = 1024
	webhookRetryDelay = time.Second
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook dispatches audit events and alerts to an external HTTP
// endpoint. Events are enqueued without blocking and sent by a background
// goroutine; when the queue is full they are dropped.
type auditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	events     chan webhookEvent
	retryDelay time.Duration
	log        *zap.Logger
	wg         sync.WaitGroup
}

func newAuditWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: webhookRetryDelay,
		log:        logger.Named("audit-webhook"),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.log.Warn("queue full, dropping event", zap.String("event", evt.Event))
	}
}

func (w *auditWebhook) alert(a AlertEvent) {
	w.enqueue(webhookEvent{
		Event:     "alert." + string(a.Type),
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
		Attrs: map[string]string{
			"message":   a.Message,
			"count":     strconv.Itoa(a.Count),
			"threshold": strconv.Itoa(a.Threshold),
		},
	})
}

// close stops accepting events and waits for the queue to drain.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event with one retry on 5xx or transport errors.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.log.Warn("marshal failed", zap.Error(err))
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.log.Warn("request creation failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Tollgate-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.log.Warn("request failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.log.Warn("server error", logger.Status(resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		default:
			w.log.Warn("client error", logger.Status(resp.StatusCode))
			return
		}
	}
}
