package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetCounters("0", "cam", 1, 2, 3, 4, 5)
		m.SetRate("0", "cam", 3)
		m.IncSampleFailure("0", "cam")
		m.IncDiscontinuity("0", "cam")
		m.IncCompletion("cam", "成功")
		m.IncFrameWritten("cam")
		m.IncWriteFailure("cam")
		m.IncAlert("cam")
		m.ObserveTransition("0", "Streaming", true, false)
		m.ObserveRequest("GET", "/health", "200", 0.01)
	})
}

func TestMetrics_Values(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetCounters("0", "cam", 10, 2, 1, 0, 3)
	m.SetRate("0", "cam", 2.5)
	m.IncAlert("cam")
	m.IncAlert("cam")
	m.ObserveTransition("0", "Streaming", true, false)
	m.ObserveTransition("1", "Streaming", true, false)
	m.ObserveTransition("0", "Draining", false, true)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.FramesCompleted.WithLabelValues("0", "cam")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("0", "cam")))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.FrameRate.WithLabelValues("0", "cam")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Alerts.WithLabelValues("cam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// 同じ名前でもレジストリが異なれば登録できる
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
