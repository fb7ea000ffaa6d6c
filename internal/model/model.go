// Package model holds the types shared by the training, registry and
// detection packages.
package model

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"time"

	"keyguard/internal/errs"
)

// Type is a classifier family.
type Type string

const (
	FixedText   Type = "fixed-text"
	FreeText    Type = "free-text"
	MultiBinary Type = "multi-binary"
)

// ParseType validates a wire model type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case FixedText, FreeText, MultiBinary:
		return t, nil
	}
	return "", fmt.Errorf("model type %q: %w", s, errs.ErrInvalidArgument)
}

// Binary reports whether the type is a single-user owner/impostor model.
func (t Type) Binary() bool {
	return t == FixedText || t == FreeText
}

func (t Type) String() string { return string(t) }

// Dataset is a labeled feature matrix. Y holds 1 for the owner and 0 for
// everyone else.
type Dataset struct {
	X [][]float64
	Y []int
}

// Len returns the number of rows.
func (d Dataset) Len() int { return len(d.X) }

// ProgressFunc is called after each boosting iteration.
type ProgressFunc func(done, total int)

// Classifier is a binary classifier over feature rows.
type Classifier interface {
	// Fit trains on train and, when eval is non-empty, stops early on eval
	// loss and keeps the best iteration.
	Fit(ctx context.Context, train, eval Dataset, progress ProgressFunc) error

	// PredictProba returns P(y=1) per row.
	PredictProba(X [][]float64) ([]float64, error)

	// Predict returns hard 0/1 labels at probability 0.5.
	Predict(X [][]float64) ([]int, error)

	// BestIteration is the number of trees kept after early stopping.
	BestIteration() int

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Factory produces untrained classifiers.
type Factory interface {
	New(p Params) Classifier
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(p Params) Classifier

// New calls f.
func (f FactoryFunc) New(p Params) Classifier { return f(p) }

// Params are the training hyperparameters.
type Params struct {
	Iterations          int     `json:"iterations"`
	Depth               int     `json:"depth"`
	LearningRate        float64 `json:"learning_rate"`
	L2LeafReg           float64 `json:"l2_leaf_reg"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds"`
	TestSize            float64 `json:"test_size"`
	Seed                int64   `json:"seed"`
	MinEvents           int     `json:"min_events"`
	ImpostorRatio       float64 `json:"impostor_ratio"`
}

// WithOverrides returns p with fields replaced by the keys in overrides.
// Unknown keys are rejected.
func (p Params) WithOverrides(overrides map[string]any) (Params, error) {
	if len(overrides) == 0 {
		return p, nil
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return p, fmt.Errorf("encode parameters: %w", errs.ErrInvalidArgument)
	}
	out := p
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return p, fmt.Errorf("parameters: %v: %w", err, errs.ErrInvalidArgument)
	}
	return out, out.Validate()
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.Iterations < 1:
		return fmt.Errorf("iterations must be positive: %w", errs.ErrInvalidArgument)
	case p.Depth < 1 || p.Depth > 16:
		return fmt.Errorf("depth must be between 1 and 16: %w", errs.ErrInvalidArgument)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("learning_rate must be in (0, 1]: %w", errs.ErrInvalidArgument)
	case p.L2LeafReg < 0:
		return fmt.Errorf("l2_leaf_reg must not be negative: %w", errs.ErrInvalidArgument)
	case p.TestSize <= 0 || p.TestSize >= 1:
		return fmt.Errorf("test_size must be in (0, 1): %w", errs.ErrInvalidArgument)
	case p.ImpostorRatio < 0:
		return fmt.Errorf("impostor_ratio must not be negative: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// ClassReport holds held-out metrics for one class.
type ClassReport struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Info is the metadata stored next to a classifier artifact.
type Info struct {
	IsTrained       bool                   `json:"is_trained"`
	ModelType       Type                   `json:"model_type"`
	Username        string                 `json:"username,omitempty"`
	Parameters      Params                 `json:"parameters"`
	Accuracy        float64                `json:"accuracy"`
	Report          map[string]ClassReport `json:"report"`
	LastTrained     time.Time              `json:"last_trained"`
	FeatureCount    int                    `json:"feature_count"`
	TrainingSamples int                    `json:"training_samples"`
	TestSamples     int                    `json:"test_samples"`
	BestIteration   int                    `json:"best_iteration"`
	ArtifactDigest  string                 `json:"artifact_digest,omitempty"`
}

// ActiveModel names the classifier the detector consults.
type ActiveModel struct {
	Type        Type      `json:"type"`
	Username    string    `json:"username,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// LifecycleEvents is the mediator between background workers and the
// lifecycle controller.
type LifecycleEvents interface {
	OnTargetReached(username string, t Type, count int)
	OnTrainingDone(job TrainingJob)
	OnEnsembleUpdated(names []string)
}
