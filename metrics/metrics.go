// Package metrics は検出器とノードの Prometheus メトリクスをまとめる。
// *Metrics が nil の場合、すべての記録メソッドは何もしない。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pedestal"

// Metrics は全コンポーネントのメトリクスを保持する
type Metrics struct {
	registry *prometheus.Registry

	// 検出器
	samples     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	triggers    prometheus.Counter
	state       prometheus.Gauge

	// フレーム取得
	framesCaptured prometheus.Counter
	framesMissed   prometheus.Counter
	sourceLost     prometheus.Counter

	// ディスパッチ
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// ノード
	commands      *prometheus.CounterVec
	bytesReceived prometheus.Counter
	playbacks     prometheus.Counter
	preemptions   prometheus.Counter
	prints        *prometheus.CounterVec
}

// New は専用のレジストリにメトリクスを登録して返す
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "samples_total",
				Help:      "Total number of detector samples by result",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "transitions_total",
				Help:      "Total number of state transitions",
			},
			[]string{"from", "to"},
		),
		triggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "triggers_total",
				Help:      "Total number of trigger events emitted",
			},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "state",
				Help:      "Current detection state (0=idle, 1=changing, 2=detected)",
			},
		),

		framesCaptured: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "frames_total",
				Help:      "Total number of frames stored in the frame buffer",
			},
		),
		framesMissed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "missed_total",
				Help:      "Total number of reads that returned no frame",
			},
		),
		sourceLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "source_lost_total",
				Help:      "Total number of times the frame source stopped being ready",
			},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "targets_total",
				Help:      "Total number of dispatched targets by result",
			},
			[]string{"target", "result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each dispatch stage in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"stage"},
		),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "commands_total",
				Help:      "Total number of wire commands handled",
			},
			[]string{"command"},
		),
		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "file_bytes_total",
				Help:      "Total number of artifact bytes received",
			},
		),
		playbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "started_total",
				Help:      "Total number of playbacks started",
			},
		),
		preemptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "playback",
				Name:      "preempted_total",
				Help:      "Total number of playbacks cancelled by a newer one",
			},
		),
		prints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "printer",
				Name:      "jobs_total",
				Help:      "Total number of print jobs by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.samples, m.transitions, m.triggers, m.state,
		m.framesCaptured, m.framesMissed, m.sourceLost,
		m.dispatchTotal, m.dispatchDuration,
		m.commands, m.bytesReceived, m.playbacks, m.preemptions, m.prints,
	)
	return m
}

// Registry は内部のレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用の HTTP ハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSample(result string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(result).Inc()
}

// RecordTransition は状態遷移を記録し、現在状態のゲージを更新する
func (m *Metrics) RecordTransition(from, to string, toValue int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.state.Set(float64(toValue))
}

func (m *Metrics) RecordTrigger() {
	if m == nil {
		return
	}
	m.triggers.Inc()
}

func (m *Metrics) RecordFrame(captured bool) {
	if m == nil {
		return
	}
	if captured {
		m.framesCaptured.Inc()
	} else {
		m.framesMissed.Inc()
	}
}

func (m *Metrics) RecordSourceLost() {
	if m == nil {
		return
	}
	m.sourceLost.Inc()
}

func (m *Metrics) RecordDispatch(target string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatchTotal.WithLabelValues(target, result).Inc()
}

// RecordStageDuration は generate / synthesize / send などの所要時間を記録する
func (m *Metrics) RecordStageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordFileReceived(size int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) RecordPlayback(preempted bool) {
	if m == nil {
		return
	}
	m.playbacks.Inc()
	if preempted {
		m.preemptions.Inc()
	}
}

func (m *Metrics) RecordPrint(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.prints.WithLabelValues("error").Inc()
	} else {
		m.prints.WithLabelValues("ok").Inc()
	}
}
