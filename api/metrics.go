package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike     AlertType = "login_failure_spike"
	AlertChallengeFailureSpike AlertType = "challenge_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow        = 1 * time.Minute
	defaultLoginFailureThreshold     = 50
	defaultChallengeFailureWindow    = 5 * time.Minute
	defaultChallengeFailureThreshold = 100
)

// slidingWindow counts events in a trailing window and fires once the
// threshold is reached, then starts over.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (sw *slidingWindow) add(now time.Time) (int, bool) {
	sw.times = append(sw.times, now)
	sw.times = trimWindow(sw.times, now, sw.window)
	n := len(sw.times)
	if n < sw.threshold {
		return n, false
	}
	sw.times = sw.times[:0]
	return n, true
}

// alertCollector watches the audit stream for failure spikes that point at
// credential stuffing or code guessing across many accounts.
type alertCollector struct {
	mu         sync.Mutex
	logins     slidingWindow
	challenges slidingWindow
	now        func() time.Time
	alertFn    AlertFunc
}

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		logins:     slidingWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		challenges: slidingWindow{window: defaultChallengeFailureWindow, threshold: defaultChallengeFailureThreshold},
		now:        time.Now,
		alertFn:    alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (c *alertCollector) recordEvent(event AuditEvent) {
	if c == nil || c.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		c.observe(&c.logins, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditChallengeFailed, AuditChallengeExhausted:
		c.observe(&c.challenges, AlertChallengeFailureSpike, "second-factor failure rate exceeds threshold")
	}
}

func (c *alertCollector) observe(sw *slidingWindow, typ AlertType, msg string) {
	c.mu.Lock()
	now := c.now()
	n, fire := sw.add(now)
	threshold := sw.threshold
	c.mu.Unlock()

	if fire {
		c.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
