package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) add(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) all() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func newTestCollector(sink *alertSink) (*alertCollector, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newAlertCollector(sink.add)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector, _ := newTestCollector(sink)
	collector.logins.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.all(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestChallengeFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector, _ := newTestCollector(sink)
	collector.challenges.threshold = 3

	collector.recordEvent(AuditChallengeFailed)
	collector.recordEvent(AuditChallengeExhausted)
	assert.Empty(t, sink.all())

	collector.recordEvent(AuditChallengeFailed)
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertChallengeFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
}

func TestAlertsIgnoreUnrelatedEvents(t *testing.T) {
	sink := &alertSink{}
	collector, _ := newTestCollector(sink)
	collector.logins.threshold = 1
	collector.challenges.threshold = 1

	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditChannelDenied)
	collector.recordEvent(AuditLoginRateLimited)
	assert.Empty(t, sink.all())
}

func TestAlertsNoCallback(t *testing.T) {
	collector := newAlertCollector(nil)
	collector.recordEvent(AuditLoginFailure)
}

func TestAlertsNilCollector(t *testing.T) {
	var collector *alertCollector
	collector.recordEvent(AuditLoginFailure)
}

func TestAlertsSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector, now := newTestCollector(sink)
	collector.logins.threshold = 5
	collector.logins.window = time.Minute

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	*now = now.Add(2 * time.Minute)

	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, sink.all(), "failures outside the window must not count")
}

func TestAlertsResetAfterFiring(t *testing.T) {
	sink := &alertSink{}
	collector, _ := newTestCollector(sink)
	collector.logins.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, sink.all(), 1)

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, sink.all(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.all(), 2)
}

func TestTrimWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(30 * time.Second), base.Add(90 * time.Second)}

	got := trimWindow(times, base.Add(2*time.Minute), time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, base.Add(90*time.Second), got[0])

	assert.Empty(t, trimWindow(times, base.Add(time.Hour), time.Minute))
}
