// Package trainer fits owner-vs-impostor classifiers from captured
// keystroke CSVs and records training jobs.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"keyguard/internal/capture"
	"keyguard/internal/clock"
	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/metrics"
	"keyguard/internal/model"
	"keyguard/internal/security"
)

// Store persists trained classifiers.
type Store interface {
	Save(t model.Type, username string, clf model.Classifier, info *model.Info) error
}

// Profiles records free-text training results on user profiles.
type Profiles interface {
	RecordFreeTextTraining(username string, accuracy float64, at time.Time) error
}

// Request asks for one training run.
type Request struct {
	ModelType model.Type     `json:"model_type"`
	Username  string         `json:"username"`
	Params    map[string]any `json:"parameters,omitempty"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if !r.ModelType.Binary() {
		return fmt.Errorf("train model type %q: %w", r.ModelType, errs.ErrInvalidArgument)
	}
	return security.ValidateUsername(r.Username)
}

// Trainer fits and persists binary classifiers.
type Trainer struct {
	dataDir  string
	store    Store
	profiles Profiles
	factory  model.Factory
	defaults model.Params
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Trainer) { t.logger = l } }

// WithClock sets the clock used for training timestamps.
func WithClock(c clock.Clock) Option { return func(t *Trainer) { t.clock = c } }

// WithMetrics records training series.
func WithMetrics(m *metrics.Metrics) Option { return func(t *Trainer) { t.metrics = m } }

// New creates a trainer reading CSVs from dataDir. profiles may be nil.
func New(dataDir string, store Store, profiles Profiles, factory model.Factory, defaults model.Params, opts ...Option) *Trainer {
	t := &Trainer{
		dataDir:  dataDir,
		store:    store,
		profiles: profiles,
		factory:  factory,
		defaults: defaults,
		clock:    clock.Real{},
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default().With("component", "trainer")
	}
	return t
}

// Params resolves overrides against the defaults.
func (t *Trainer) Params(overrides map[string]any) (model.Params, error) {
	if err := t.defaults.Validate(); err != nil {
		return model.Params{}, fmt.Errorf("default parameters: %w", err)
	}
	return t.defaults.WithOverrides(overrides)
}

// Train builds a labeled frame from every captured CSV of the request's
// model type and fits the target user's classifier.
func (t *Trainer) Train(ctx context.Context, req Request, progress model.ProgressFunc) (*model.Info, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, err := t.Params(req.Params)
	if err != nil {
		return nil, err
	}
	frame, err := t.Load(req.ModelType, req.Username, params)
	if err != nil {
		return nil, err
	}
	return t.TrainFrame(ctx, req.ModelType, req.Username, frame, params, progress)
}

// Load reads every user's CSVs for t into one labeled training frame.
func (t *Trainer) Load(mt model.Type, target string, params model.Params) (*features.Frame, error) {
	files, err := capture.ListFiles(t.dataDir, "", mt)
	if err != nil {
		return nil, err
	}
	users := map[string]bool{}
	for _, f := range files {
		users[f.Username] = true
	}
	if !users[target] {
		return nil, fmt.Errorf("no %s data for %s: %w", mt, target, errs.ErrNoData)
	}

	names := make([]string, 0, len(users))
	for u := range users {
		names = append(names, u)
	}
	sort.Strings(names)

	frame := &features.Frame{EventCounts: map[string]int{}}
	captured := 0
	for _, user := range names {
		events, err := capture.ReadEvents(t.dataDir, user, mt)
		if err != nil {
			return nil, err
		}
		if user == target {
			captured = len(events)
			if captured < params.MinEvents {
				return nil, fmt.Errorf("%s has %d events, need %d: %w", target, captured, params.MinEvents, errs.ErrInsufficientData)
			}
		}
		part, err := features.Extract(events, features.Options{Training: true, User: user})
		if errors.Is(err, errs.ErrEmptyInput) {
			if user == target {
				return nil, fmt.Errorf("%s has %d usable events: %w", target, len(events), errs.ErrInsufficientData)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", user, err)
		}
		frame.Append(part)
	}
	t.logger.Debug("training data loaded", "username", target, "captured", captured,
		"cleaned", frame.EventCounts[target], "rows", frame.Len())
	return frame, nil
}

// TrainFrame fits and persists a classifier for target from a labeled frame.
func (t *Trainer) TrainFrame(ctx context.Context, mt model.Type, target string, frame *features.Frame, params model.Params, progress model.ProgressFunc) (*model.Info, error) {
	if !frame.Labeled() {
		return nil, fmt.Errorf("training frame: %w", errs.ErrMissingLabel)
	}
	data := label(frame, target)
	positives := countLabel(data.Y, 1)
	if positives == 0 {
		return nil, fmt.Errorf("no rows for %s: %w", target, errs.ErrInsufficientData)
	}
	rng := rand.New(rand.NewPCG(uint64(params.Seed), 0x6b657967))
	synthetic := augmentImpostors(&data, params.ImpostorRatio, rng)

	train, test := stratifiedSplit(data, params.TestSize, rng)
	if countLabel(train.Y, 0) == 0 || countLabel(train.Y, 1) == 0 {
		return nil, fmt.Errorf("training split lacks a class: %w", errs.ErrInsufficientData)
	}

	start := t.clock.Now()
	clf := t.factory.New(params)
	if err := clf.Fit(ctx, train, test, progress); err != nil {
		return nil, fmt.Errorf("fit %s model for %s: %w", mt, target, err)
	}

	pred, err := clf.Predict(test.X)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", errs.Compute(err))
	}
	accuracy, report := evaluate(test.Y, pred)

	info := &model.Info{
		IsTrained:       true,
		ModelType:       mt,
		Username:        target,
		Parameters:      params,
		Accuracy:        accuracy,
		Report:          report,
		LastTrained:     t.clock.Now(),
		FeatureCount:    features.NumFeatures(),
		TrainingSamples: train.Len(),
		TestSamples:     test.Len(),
		BestIteration:   clf.BestIteration(),
	}
	if err := t.store.Save(mt, target, clf, info); err != nil {
		return nil, fmt.Errorf("save %s model for %s: %w", mt, target, err)
	}
	if mt == model.FreeText && t.profiles != nil {
		if err := t.profiles.RecordFreeTextTraining(target, accuracy, info.LastTrained); err != nil {
			return nil, fmt.Errorf("update profile for %s: %w", target, err)
		}
	}

	t.logger.Info("model trained",
		"model_type", mt,
		"username", target,
		"accuracy", accuracy,
		"rows", data.Len(),
		"synthetic_impostors", synthetic,
		"best_iteration", info.BestIteration,
		"duration", t.clock.Now().Sub(start),
	)
	return info, nil
}

func label(frame *features.Frame, target string) model.Dataset {
	d := model.Dataset{X: make([][]float64, len(frame.Rows)), Y: make([]int, len(frame.Rows))}
	for i, row := range frame.Rows {
		d.X[i] = row
		if frame.Users[i] == target {
			d.Y[i] = 1
		}
	}
	return d
}

func countLabel(y []int, v int) int {
	n := 0
	for _, l := range y {
		if l == v {
			n++
		}
	}
	return n
}

// Feature column layout used for impostor synthesis.
const (
	timingColumns = 35 // PPD..Hold_Time_Std, all in seconds or seconds-derived
	keyTypeStart  = 35
	sectionStart  = 40
)

// augmentImpostors adds ceil(ratio × positives) rescaled copies of owner
// rows as negatives. Timing columns are multiplied by a factor drawn from
// [0.3, 0.7] ∪ [1.45, 3.0] and the key categories of the group are
// permuted. The synthetic rows bound the owner region on both sides, so
// typing far outside every enrolled profile scores as an impostor. It
// returns the number of rows added.
func augmentImpostors(d *model.Dataset, ratio float64, rng *rand.Rand) int {
	positives := countLabel(d.Y, 1)
	missing := int(math.Ceil(ratio * float64(positives)))
	if missing <= 0 {
		return 0
	}
	owners := make([]int, 0, positives)
	for i, y := range d.Y {
		if y == 1 {
			owners = append(owners, i)
		}
	}
	for k := 0; k < missing; k++ {
		src := d.X[owners[rng.IntN(len(owners))]]
		row := append([]float64(nil), src...)

		var f float64
		if rng.IntN(2) == 0 {
			f = 0.3 + 0.4*rng.Float64()
		} else {
			f = 1.45 + 1.55*rng.Float64()
		}
		for c := 0; c < timingColumns && c < len(row); c++ {
			row[c] *= f
		}
		if len(row) >= sectionStart+features.GroupSize {
			perm := rng.Perm(features.GroupSize)
			for i, p := range perm {
				row[keyTypeStart+i] = src[keyTypeStart+p]
				row[sectionStart+i] = src[sectionStart+p]
			}
		}
		d.X = append(d.X, row)
		d.Y = append(d.Y, 0)
	}
	return missing
}

// stratifiedSplit shuffles each class and holds out testSize of it, at
// least one row per class with two or more rows.
func stratifiedSplit(d model.Dataset, testSize float64, rng *rand.Rand) (train, test model.Dataset) {
	byClass := map[int][]int{}
	for i, y := range d.Y {
		byClass[y] = append(byClass[y], i)
	}
	for _, class := range []int{0, 1} {
		idx := byClass[class]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(testSize * float64(len(idx))))
		if n == 0 && len(idx) >= 2 {
			n = 1
		}
		if n >= len(idx) {
			n = len(idx) - 1
		}
		for k, i := range idx {
			dst := &train
			if k < n {
				dst = &test
			}
			dst.X = append(dst.X, d.X[i])
			dst.Y = append(dst.Y, d.Y[i])
		}
	}
	return train, test
}

// evaluate returns accuracy and a per-class report keyed "0" and "1" plus
// "macro avg" and "weighted avg".
func evaluate(y, pred []int) (float64, map[string]model.ClassReport) {
	report := map[string]model.ClassReport{}
	if len(y) == 0 {
		return 0, report
	}
	correct := 0
	for i := range y {
		if y[i] == pred[i] {
			correct++
		}
	}

	var macro, weighted model.ClassReport
	for _, class := range []int{0, 1} {
		var tp, fp, fn, support int
		for i := range y {
			switch {
			case y[i] == class && pred[i] == class:
				tp++
			case y[i] != class && pred[i] == class:
				fp++
			case y[i] == class && pred[i] != class:
				fn++
			}
			if y[i] == class {
				support++
			}
		}
		r := model.ClassReport{
			Precision: ratio(tp, tp+fp),
			Recall:    ratio(tp, tp+fn),
			Support:   support,
		}
		if r.Precision+r.Recall > 0 {
			r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
		}
		report[strconv.Itoa(class)] = r

		macro.Precision += r.Precision / 2
		macro.Recall += r.Recall / 2
		macro.F1 += r.F1 / 2
		w := float64(support) / float64(len(y))
		weighted.Precision += r.Precision * w
		weighted.Recall += r.Recall * w
		weighted.F1 += r.F1 * w
	}
	macro.Support, weighted.Support = len(y), len(y)
	report["macro avg"] = macro
	report["weighted avg"] = weighted
	return float64(correct) / float64(len(y)), report
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
