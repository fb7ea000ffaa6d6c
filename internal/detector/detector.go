// Package detector watches the rolling buffer and scores full windows
// against the active model, raising alerts on anomalies.
//
// Binary models vote per window: the window belongs to the owner when the
// mean owner probability of its rows reaches OwnerThreshold. An alert is
// raised after ConsecutiveAnomalies non-owner windows in a row, after which
// the run starts over. The ensemble raises an alert for every window no
// member claims.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keyguard/internal/alerts"
	"keyguard/internal/clock"
	"keyguard/internal/ensemble"
	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/keystroke"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
)

// Threshold bounds, in buffered events.
const (
	MinThreshold = 5
	MaxThreshold = 100
)

// Model is an immutable snapshot of the active model. Exactly one of
// Classifier and Ensemble is set.
type Model struct {
	Active     model.ActiveModel
	Classifier model.Classifier
	Ensemble   *ensemble.Ensemble
}

// ModelSource returns the current model snapshot, or nil when none is
// active.
type ModelSource interface {
	Current() *Model
}

// Buffer is the rolling buffer the detector drains.
type Buffer interface {
	Size() int
	Drain() []keystroke.KeyEvent
	Reset()
}

// AlertSink persists alerts.
type AlertSink interface {
	Save(a *alerts.Alert, events []keystroke.KeyEvent) error
}

// Config holds the detector tunables.
type Config struct {
	Enabled              bool
	Threshold            int
	ConsecutiveAnomalies int
	OwnerThreshold       float64
	EnsembleThreshold    float64
	PollInterval         time.Duration
}

// DefaultConfig returns the stock detector settings.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Threshold:            30,
		ConsecutiveAnomalies: 2,
		OwnerThreshold:       0.5,
		EnsembleThreshold:    ensemble.DefaultConfidence,
		PollInterval:         time.Second,
	}
}

// Outcome of one detection cycle.
const (
	OutcomeSkipped = "skipped"
	OutcomeNoModel = "no_model"
	OutcomeOwner   = "owner"
	OutcomeNoise   = "non_owner"
	OutcomeAnomaly = "anomaly"
	OutcomeError   = "error"
)

// Result describes one cycle.
type Result struct {
	Outcome    string
	ModelType  model.Type
	Confidence float64
	Events     int
	Alert      *alerts.Alert
}

// Status is a snapshot of the detector state.
type Status struct {
	Enabled          bool       `json:"enabled"`
	Paused           bool       `json:"paused"`
	Threshold        int        `json:"threshold"`
	ConsecutiveZeros int        `json:"consecutive_zeros"`
	Cycles           uint64     `json:"cycles"`
	Alerts           uint64     `json:"alerts"`
	LastCycle        *time.Time `json:"last_cycle,omitempty"`
	LastOutcome      string     `json:"last_outcome,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Detector runs detection cycles. Cycles are serialized.
type Detector struct {
	buffer   Buffer
	models   ModelSource
	sink     AlertSink
	progress func() alerts.Progress
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cycleMu sync.Mutex
	// Guarded by cycleMu.
	remainder []keystroke.KeyEvent
	lastModel *Model
	zeros     int

	mu     sync.Mutex
	cfg    Config
	paused bool
	status Status
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Detector) { d.logger = l } }

// WithClock sets the clock used for polling and alert timestamps.
func WithClock(c clock.Clock) Option { return func(d *Detector) { d.clock = c } }

// WithMetrics records detection series.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }

// WithProgress supplies the enrollment progress copied into alerts.
func WithProgress(f func() alerts.Progress) Option { return func(d *Detector) { d.progress = f } }

// New creates a detector. The threshold is clamped to [MinThreshold,
// MaxThreshold].
func New(cfg Config, buf Buffer, models ModelSource, sink AlertSink, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.ConsecutiveAnomalies < 1 {
		cfg.ConsecutiveAnomalies = def.ConsecutiveAnomalies
	}
	if cfg.OwnerThreshold <= 0 {
		cfg.OwnerThreshold = def.OwnerThreshold
	}
	if cfg.EnsembleThreshold <= 0 {
		cfg.EnsembleThreshold = def.EnsembleThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	cfg.Threshold = Clamp(cfg.Threshold)

	d := &Detector{
		buffer: buf,
		models: models,
		sink:   sink,
		clock:  clock.Real{},
		cfg:    cfg,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "detector")
	}
	d.metrics.SetDetectionEnabled(cfg.Enabled)
	return d
}

// Clamp bounds a detection threshold.
func Clamp(n int) int {
	return max(MinThreshold, min(MaxThreshold, n))
}

// SetEnabled turns detection on or off.
func (d *Detector) SetEnabled(on bool) {
	d.mu.Lock()
	d.cfg.Enabled = on
	d.mu.Unlock()
	d.metrics.SetDetectionEnabled(on)
	d.logger.Info("detection toggled", "enabled", on)
}

// SetPaused suspends detection without changing the enabled flag.
func (d *Detector) SetPaused(p bool) {
	d.mu.Lock()
	d.paused = p
	d.mu.Unlock()
}

// SetThreshold sets the window size and returns the clamped value.
func (d *Detector) SetThreshold(n int) int {
	n = Clamp(n)
	d.mu.Lock()
	d.cfg.Threshold = n
	d.mu.Unlock()
	return n
}

// Configure applies new tunables, keeping the enabled and paused flags.
func (d *Detector) Configure(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.ConsecutiveAnomalies >= 1 {
		d.cfg.ConsecutiveAnomalies = cfg.ConsecutiveAnomalies
	}
	if cfg.OwnerThreshold > 0 {
		d.cfg.OwnerThreshold = cfg.OwnerThreshold
	}
	if cfg.EnsembleThreshold > 0 {
		d.cfg.EnsembleThreshold = cfg.EnsembleThreshold
	}
	if cfg.Threshold > 0 {
		d.cfg.Threshold = Clamp(cfg.Threshold)
	}
}

// Status returns a snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Enabled = d.cfg.Enabled
	s.Paused = d.paused
	s.Threshold = d.cfg.Threshold
	return s
}

func (d *Detector) config() (Config, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.paused
}

// Run polls until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	cfg, _ := d.config()
	ticker := d.clock.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("detector started", "threshold", cfg.Threshold, "poll_interval", cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("detector stopped")
			return nil
		case <-ticker.C():
			// Failures are logged and recorded by Cycle.
			_, _ = d.Cycle(ctx)
		}
	}
}

// Cycle runs one detection pass. It drains the buffer only when detection
// is enabled, not paused and the buffer holds at least Threshold events.
func (d *Detector) Cycle(ctx context.Context) (*Result, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	cfg, paused := d.config()
	size := d.buffer.Size()
	d.metrics.SetBuffer(size)
	if !cfg.Enabled || paused || size < cfg.Threshold {
		return &Result{Outcome: OutcomeSkipped}, nil
	}

	start := d.clock.Now()
	res, err := d.score(ctx, cfg)
	if err != nil {
		d.buffer.Reset()
		d.remainder = nil
		d.logger.Error("detection cycle failed", "kind", errs.KindOf(err), "error", err)
		res = &Result{Outcome: OutcomeError}
	}
	d.metrics.RecordCycle(res.Outcome, d.clock.Now().Sub(start))

	d.mu.Lock()
	now := d.clock.Now()
	d.status.Cycles++
	d.status.LastCycle = &now
	d.status.LastOutcome = res.Outcome
	d.status.ConsecutiveZeros = d.zeros
	if err != nil {
		d.status.LastError = err.Error()
	}
	if res.Alert != nil {
		d.status.Alerts++
	}
	d.mu.Unlock()
	return res, err
}

func (d *Detector) score(ctx context.Context, cfg Config) (*Result, error) {
	drained := d.buffer.Drain()
	window := append(d.remainder, drained...)
	d.remainder = nil

	m := d.models.Current()
	if m != d.lastModel {
		d.zeros = 0
		d.lastModel = m
	}
	if m == nil {
		d.logger.Debug("no active model, window discarded", "events", len(window))
		return &Result{Outcome: OutcomeNoModel, Events: len(window)}, nil
	}

	frame, err := features.Extract(window, features.Options{})
	if err != nil {
		return nil, fmt.Errorf("extract window: %w", err)
	}
	d.remainder = frame.Remainder
	scored := window[:len(window)-len(frame.Remainder)]

	var res *Result
	var payload map[string]any
	if m.Ensemble != nil {
		res, payload, err = d.identify(ctx, cfg, m, frame)
	} else {
		res, payload, err = d.vote(cfg, m, frame)
	}
	if err != nil {
		return nil, err
	}
	res.ModelType = m.Active.Type
	res.Events = len(scored)
	d.metrics.RecordWindow(res.Outcome)

	if res.Outcome == OutcomeAnomaly {
		a := &alerts.Alert{
			Timestamp:        d.clock.Now(),
			ModelType:        m.Active.Type,
			Username:         m.Active.Username,
			Confidence:       res.Confidence,
			PredictionResult: payload,
		}
		if d.progress != nil {
			a.CollectionProgress = d.progress()
		}
		if err := d.sink.Save(a, scored); err != nil {
			return nil, fmt.Errorf("save alert: %w", err)
		}
		d.metrics.RecordAlert(string(m.Active.Type))
		res.Alert = a
	}
	return res, nil
}

func (d *Detector) vote(cfg Config, m *Model, frame *features.Frame) (*Result, map[string]any, error) {
	if m.Classifier == nil {
		return nil, nil, fmt.Errorf("%s model has no classifier: %w", m.Active.Type, errs.ErrModelNotTrained)
	}
	proba, err := m.Classifier.PredictProba(frame.Rows)
	if err != nil {
		return nil, nil, fmt.Errorf("score window: %w", errs.Compute(err))
	}
	var sum float64
	for _, p := range proba {
		sum += p
	}
	mean := sum / float64(len(proba))

	verdict := 1
	outcome := OutcomeOwner
	if mean < cfg.OwnerThreshold {
		verdict = 0
		d.zeros++
		outcome = OutcomeNoise
	} else {
		d.zeros = 0
	}
	run := d.zeros
	if d.zeros >= cfg.ConsecutiveAnomalies {
		outcome = OutcomeAnomaly
		d.zeros = 0
	}
	payload := map[string]any{
		"model_type":           string(m.Active.Type),
		"username":             m.Active.Username,
		"window_verdict":       verdict,
		"mean_probability":     mean,
		"row_probabilities":    proba,
		"consecutive_zeros":    run,
		"required_consecutive": cfg.ConsecutiveAnomalies,
	}
	return &Result{Outcome: outcome, Confidence: mean}, payload, nil
}

func (d *Detector) identify(ctx context.Context, cfg Config, m *Model, frame *features.Frame) (*Result, map[string]any, error) {
	id, err := m.Ensemble.Identify(ctx, frame.Rows, cfg.EnsembleThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("identify window: %w", err)
	}
	outcome := OutcomeOwner
	if !id.Known() {
		outcome = OutcomeAnomaly
	}
	payload := map[string]any{
		"model_type":     string(model.MultiBinary),
		"predicted_user": id.User,
		"confidence":     id.Confidence,
		"scores":         id.Scores,
		"threshold":      cfg.EnsembleThreshold,
		"names":          m.Ensemble.Names(),
		"rows":           id.Rows,
	}
	return &Result{Outcome: outcome, Confidence: id.Confidence}, payload, nil
}

// Prediction is the verdict on an ad-hoc window.
type Prediction struct {
	ModelType  model.Type     `json:"model_type"`
	Username   string         `json:"username,omitempty"`
	Owner      bool           `json:"owner"`
	Confidence float64        `json:"confidence"`
	Rows       int            `json:"rows"`
	Result     map[string]any `json:"prediction_result"`
}

// Predict scores events against m without touching the buffer, the
// consecutive-window run or the alert store. Trailing events short of a
// full group are ignored.
func (d *Detector) Predict(ctx context.Context, m *Model, events []keystroke.KeyEvent) (*Prediction, error) {
	if m == nil {
		return nil, fmt.Errorf("no model: %w", errs.ErrModelNotTrained)
	}
	frame, err := features.Extract(events, features.Options{})
	if err != nil {
		return nil, err
	}
	cfg, _ := d.config()
	out := &Prediction{ModelType: m.Active.Type, Username: m.Active.Username, Rows: len(frame.Rows)}

	if m.Ensemble != nil {
		id, err := m.Ensemble.Identify(ctx, frame.Rows, cfg.EnsembleThreshold)
		if err != nil {
			return nil, fmt.Errorf("identify window: %w", err)
		}
		out.Owner = id.Known()
		out.Username = id.User
		out.Confidence = id.Confidence
		out.Result = map[string]any{
			"predicted_user": id.User,
			"confidence":     id.Confidence,
			"scores":         id.Scores,
			"threshold":      cfg.EnsembleThreshold,
			"names":          m.Ensemble.Names(),
		}
		return out, nil
	}

	if m.Classifier == nil {
		return nil, fmt.Errorf("%s model has no classifier: %w", m.Active.Type, errs.ErrModelNotTrained)
	}
	proba, err := m.Classifier.PredictProba(frame.Rows)
	if err != nil {
		return nil, fmt.Errorf("score window: %w", errs.Compute(err))
	}
	var sum float64
	labels := make([]int, len(proba))
	for i, p := range proba {
		sum += p
		if p >= cfg.OwnerThreshold {
			labels[i] = 1
		}
	}
	out.Confidence = sum / float64(len(proba))
	out.Owner = out.Confidence >= cfg.OwnerThreshold
	out.Result = map[string]any{
		"mean_probability":  out.Confidence,
		"row_probabilities": proba,
		"row_predictions":   labels,
		"threshold":         cfg.OwnerThreshold,
	}
	return out, nil
}
