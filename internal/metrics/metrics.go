// Package metrics 取得デーモンのPrometheusメトリクスを定義する
//
// すべてのメソッドは nil レシーバで何もしないため、メトリクス不要なテストでは nil を渡せる。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otcsnap"

// Metrics は取得デーモンのメトリクス一式
type Metrics struct {
	FramesCompleted  *prometheus.GaugeVec
	FramesDropped    *prometheus.GaugeVec
	PacketsMissed    *prometheus.GaugeVec
	PacketsErroneous *prometheus.GaugeVec
	FrameRate        *prometheus.GaugeVec
	DriverFrameRate  *prometheus.GaugeVec

	SampleFailures  *prometheus.CounterVec
	Discontinuities *prometheus.CounterVec

	Completions   *prometheus.CounterVec
	FramesWritten *prometheus.CounterVec
	WriteFailures *prometheus.CounterVec
	Alerts        *prometheus.CounterVec

	Transitions    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New は reg にメトリクスを登録して返す
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	sessionLabels := []string{"slot", "hw_id"}

	return &Metrics{
		FramesCompleted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_completed",
			Help:      "Driver StatFramesCompleted counter",
		}, sessionLabels),
		FramesDropped: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_dropped",
			Help:      "Driver StatFramesDropped counter",
		}, sessionLabels),
		PacketsMissed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packets_missed",
			Help:      "Driver StatPacketsMissed counter",
		}, sessionLabels),
		PacketsErroneous: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packets_erroneous",
			Help:      "Driver StatPacketsErroneous counter",
		}, sessionLabels),
		FrameRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_rate",
			Help:      "Windowed frame rate derived from completed frames",
		}, sessionLabels),
		DriverFrameRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_frame_rate",
			Help:      "Driver reported StatFrameRate",
		}, sessionLabels),
		SampleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_sample_failures_total",
			Help:      "Discarded statistics samples",
		}, sessionLabels),
		Discontinuities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_discontinuities_total",
			Help:      "Observed driver counter resets",
		}, sessionLabels),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_completions_total",
			Help:      "Frame completion callbacks by status",
		}, []string{"hw_id", "status"}),
		FramesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames persisted to disk",
		}, []string{"hw_id"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_write_failures_total",
			Help:      "Frames that could not be persisted",
		}, []string{"hw_id"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised for failed frame completions",
		}, []string{"hw_id"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions",
		}, []string{"slot", "to"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of streaming sessions",
		}),
		RequestCount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
		}, []string{"method", "endpoint"}),
	}
}

// SetCounters はドライバーカウンタの最新値を反映する
func (m *Metrics) SetCounters(slot, hwID string, completed, dropped, missed, erroneous uint32, driverRate float32) {
	if m == nil {
		return
	}
	m.FramesCompleted.WithLabelValues(slot, hwID).Set(float64(completed))
	m.FramesDropped.WithLabelValues(slot, hwID).Set(float64(dropped))
	m.PacketsMissed.WithLabelValues(slot, hwID).Set(float64(missed))
	m.PacketsErroneous.WithLabelValues(slot, hwID).Set(float64(erroneous))
	m.DriverFrameRate.WithLabelValues(slot, hwID).Set(float64(driverRate))
}

// SetRate はウィンドウ平均のフレームレートを反映する
func (m *Metrics) SetRate(slot, hwID string, rate float64) {
	if m == nil {
		return
	}
	m.FrameRate.WithLabelValues(slot, hwID).Set(rate)
}

func (m *Metrics) IncSampleFailure(slot, hwID string) {
	if m == nil {
		return
	}
	m.SampleFailures.WithLabelValues(slot, hwID).Inc()
}

func (m *Metrics) IncDiscontinuity(slot, hwID string) {
	if m == nil {
		return
	}
	m.Discontinuities.WithLabelValues(slot, hwID).Inc()
}

func (m *Metrics) IncCompletion(hwID, status string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(hwID, status).Inc()
}

func (m *Metrics) IncFrameWritten(hwID string) {
	if m == nil {
		return
	}
	m.FramesWritten.WithLabelValues(hwID).Inc()
}

func (m *Metrics) IncWriteFailure(hwID string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(hwID).Inc()
}

func (m *Metrics) IncAlert(hwID string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(hwID).Inc()
}

// ObserveTransition は状態遷移を記録し、ストリーミング中のセッション数を更新する
func (m *Metrics) ObserveTransition(slot, to string, started, stopped bool) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(slot, to).Inc()
	if started {
		m.ActiveSessions.Inc()
	}
	if stopped {
		m.ActiveSessions.Dec()
	}
}

// ObserveRequest はHTTPリクエストを記録する
func (m *Metrics) ObserveRequest(method, endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
