// Package metrics exposes keyguard's Prometheus series.
//
// Every method is safe on a nil *Metrics, so components take an optional
// collector and record unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyguard"

// Metrics holds all keyguard series and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	// Capture
	KeystrokesTotal   *prometheus.CounterVec
	DroppedTotal      *prometheus.CounterVec
	WriteErrorsTotal  prometheus.Counter
	CollectionActive  prometheus.Gauge
	BufferSize        prometheus.Gauge
	BufferDroppedTotal prometheus.Counter

	// Detection
	DetectionCyclesTotal *prometheus.CounterVec
	WindowsTotal         *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	DetectionDuration    prometheus.Histogram
	DetectionEnabled     prometheus.Gauge

	// Training
	TrainingJobsTotal *prometheus.CounterVec
	TrainingDuration  *prometheus.HistogramVec
	ModelAccuracy     *prometheus.GaugeVec
	EnsembleMembers   prometheus.Gauge

	// Lifecycle
	LifecyclePhase    *prometheus.GaugeVec
	ActiveModel       *prometheus.GaugeVec
	ScheduledRunsTotal prometheus.Counter

	// Operator API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the series on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		KeystrokesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keystrokes_total",
			Help:      "Key events written to the capture CSV.",
		}, []string{"model_type"}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keystrokes_dropped_total",
			Help:      "Key events discarded before they were written.",
		}, []string{"reason"}),
		WriteErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_write_errors_total",
			Help:      "Failed capture CSV writes.",
		}),
		CollectionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_active",
			Help:      "1 while a capture session is running.",
		}),
		BufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prediction_buffer_size",
			Help:      "Events waiting in the prediction buffer.",
		}),
		BufferDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_buffer_overflow_total",
			Help:      "Events evicted from the prediction buffer by overflow.",
		}),

		DetectionCyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_cycles_total",
			Help:      "Detection cycles by outcome.",
		}, []string{"outcome"}),
		WindowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_windows_total",
			Help:      "Scored windows by verdict.",
		}, []string{"verdict"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by model type.",
		}, []string{"model_type"}),
		DetectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Time spent scoring one window.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		DetectionEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detection_enabled",
			Help:      "1 when detection is enabled and not paused.",
		}),

		TrainingJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_jobs_total",
			Help:      "Finished training jobs by model type and status.",
		}, []string{"model_type", "status"}),
		TrainingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of a training run.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"model_type"}),
		ModelAccuracy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_accuracy",
			Help:      "Held-out accuracy of the last trained model.",
		}, []string{"model_type", "username"}),
		EnsembleMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ensemble_members",
			Help:      "Users in the multi-binary ensemble.",
		}),

		LifecyclePhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_phase",
			Help:      "1 for the current enrollment phase.",
		}, []string{"phase"}),
		ActiveModel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_model",
			Help:      "1 for the model type the detector consults.",
		}, []string{"model_type"}),
		ScheduledRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Training jobs launched by schedules.",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Operator requests by verb and result kind.",
		}, []string{"verb", "kind"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Operator request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordKeystroke counts one written event.
func (m *Metrics) RecordKeystroke(modelType string) {
	if m == nil {
		return
	}
	m.KeystrokesTotal.WithLabelValues(modelType).Inc()
}

// RecordDropped counts a discarded event. Reasons are "queue_full",
// "sensitive", "unpaired" and "invalid".
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// RecordWriteError counts a failed CSV write.
func (m *Metrics) RecordWriteError() {
	if m == nil {
		return
	}
	m.WriteErrorsTotal.Inc()
}

// SetCollectionActive sets the capture session gauge.
func (m *Metrics) SetCollectionActive(active bool) {
	if m == nil {
		return
	}
	m.CollectionActive.Set(boolValue(active))
}

// SetBuffer records the prediction buffer occupancy.
func (m *Metrics) SetBuffer(size int) {
	if m == nil {
		return
	}
	m.BufferSize.Set(float64(size))
}

// RecordBufferOverflow counts evicted buffer events.
func (m *Metrics) RecordBufferOverflow(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.BufferDroppedTotal.Add(float64(n))
}

// RecordCycle counts a detection cycle. Outcomes are "scored", "error"
// and "no_model".
func (m *Metrics) RecordCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DetectionCyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == "scored" {
		m.DetectionDuration.Observe(d.Seconds())
	}
}

// RecordWindow counts a scored window by verdict.
func (m *Metrics) RecordWindow(verdict string) {
	if m == nil {
		return
	}
	m.WindowsTotal.WithLabelValues(verdict).Inc()
}

// RecordAlert counts an alert.
func (m *Metrics) RecordAlert(modelType string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(modelType).Inc()
}

// SetDetectionEnabled records whether the detector is scoring windows.
func (m *Metrics) SetDetectionEnabled(on bool) {
	if m == nil {
		return
	}
	m.DetectionEnabled.Set(boolValue(on))
}

// RecordTraining records a finished training job.
func (m *Metrics) RecordTraining(modelType, username, status string, accuracy float64, d time.Duration) {
	if m == nil {
		return
	}
	m.TrainingJobsTotal.WithLabelValues(modelType, status).Inc()
	m.TrainingDuration.WithLabelValues(modelType).Observe(d.Seconds())
	if status == "completed" {
		m.ModelAccuracy.WithLabelValues(modelType, username).Set(accuracy)
	}
}

// SetEnsembleMembers records the ensemble size.
func (m *Metrics) SetEnsembleMembers(n int) {
	if m == nil {
		return
	}
	m.EnsembleMembers.Set(float64(n))
}

// SetPhase marks phase as current among phases.
func (m *Metrics) SetPhase(phase string, phases []string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		m.LifecyclePhase.WithLabelValues(p).Set(boolValue(p == phase))
	}
}

// SetActiveModel marks modelType as the active model among types.
func (m *Metrics) SetActiveModel(modelType string, types []string) {
	if m == nil {
		return
	}
	for _, t := range types {
		m.ActiveModel.WithLabelValues(t).Set(boolValue(t == modelType))
	}
}

// RecordScheduledRun counts a job launched by the scheduler.
func (m *Metrics) RecordScheduledRun() {
	if m == nil {
		return
	}
	m.ScheduledRunsTotal.Inc()
}

// RecordRequest records one operator request.
func (m *Metrics) RecordRequest(verb, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.RequestsTotal.WithLabelValues(verb, kind).Inc()
	m.RequestDuration.WithLabelValues(verb).Observe(d.Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
