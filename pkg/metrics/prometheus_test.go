package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordCall("ringing")
		m.RecordTransition("ringing", "active")
		m.RecordHTTPRequest("GET", "/v1/calls/:session_id", 200, time.Millisecond)
		m.IncrementHTTPRequestsInFlight()
		m.RecordMissedCallNotification("failed")
	})
	assert.Nil(t, m.GetRegistry())
}

func TestCallCounters(t *testing.T) {
	m := NewMetrics("call-service-test")

	m.RecordTransition("ringing", "active")
	m.RecordTransition("ringing", "active")
	m.RecordTransitionConflict("answer")
	m.RecordSignal("enqueued")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.callTransitions.WithLabelValues("ringing", "active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.callConflicts.WithLabelValues("answer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.signalsTotal.WithLabelValues("enqueued")))
}

func TestSeparateRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	assert.NotSame(t, a.GetRegistry(), b.GetRegistry())
}
