// Package ensemble combines per-user free-text classifiers into an
// open-set identifier.
//
// Each member scores P(owner) independently. A row is attributed to the
// member with the highest probability when that probability reaches the
// confidence floor, and to Unknown otherwise. Ties go to the member that
// enrolled first.
package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"keyguard/internal/errs"
	"keyguard/internal/model"
	"keyguard/internal/registry"
)

// Unknown is the label of rows no member claims.
const Unknown = "Unknown"

// DefaultConfidence is the default confidence floor.
const DefaultConfidence = 0.5

const formatVersion = 1

// Source lists and loads trained classifiers.
type Source interface {
	ListTrained(t model.Type) ([]registry.Entry, error)
	Load(t model.Type, username string) (model.Classifier, *model.Info, error)
}

// Ensemble is immutable once built and safe for concurrent use.
type Ensemble struct {
	names   []string
	members []model.Classifier
}

// New assembles an ensemble from parallel name and classifier lists.
func New(names []string, members []model.Classifier) (*Ensemble, error) {
	if len(names) != len(members) {
		return nil, fmt.Errorf("%d names for %d classifiers: %w", len(names), len(members), errs.ErrInvalidArgument)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("empty ensemble: %w", errs.ErrModelNotTrained)
	}
	seen := make(map[string]bool, len(names))
	for i, n := range names {
		if n == "" || n == Unknown || seen[n] {
			return nil, fmt.Errorf("member name %q: %w", n, errs.ErrInvalidArgument)
		}
		if members[i] == nil {
			return nil, fmt.Errorf("member %q has no classifier: %w", n, errs.ErrModelNotTrained)
		}
		seen[n] = true
	}
	return &Ensemble{
		names:   append([]string(nil), names...),
		members: append([]model.Classifier(nil), members...),
	}, nil
}

// Build loads every trained free-text classifier from src. Members follow
// order (enrollment order); trained users missing from order are appended
// alphabetically.
func Build(ctx context.Context, src Source, order []string, logger *slog.Logger) (*Ensemble, error) {
	if logger == nil {
		logger = slog.Default().With("component", "ensemble")
	}
	entries, err := src.ListTrained(model.FreeText)
	if err != nil {
		return nil, fmt.Errorf("list trained models: %w", err)
	}
	trained := make(map[string]bool, len(entries))
	for _, e := range entries {
		trained[e.Username] = true
	}

	names := make([]string, 0, len(entries))
	placed := map[string]bool{}
	for _, n := range order {
		if trained[n] && !placed[n] {
			names = append(names, n)
			placed[n] = true
		}
	}
	for _, e := range entries {
		if !placed[e.Username] {
			names = append(names, e.Username)
			placed[e.Username] = true
		}
	}

	members := make([]model.Classifier, len(names))
	for i, n := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clf, _, err := src.Load(model.FreeText, n)
		if err != nil {
			return nil, fmt.Errorf("load member %s: %w", n, err)
		}
		if clf == nil {
			return nil, fmt.Errorf("member %s vanished: %w", n, errs.ErrModelNotTrained)
		}
		members[i] = clf
	}
	e, err := New(names, members)
	if err != nil {
		return nil, err
	}
	logger.Info("ensemble built", "members", names)
	return e, nil
}

// Names returns the member names in enrollment order.
func (e *Ensemble) Names() []string { return append([]string(nil), e.names...) }

// Len returns the number of members.
func (e *Ensemble) Len() int { return len(e.names) }

// Has reports whether name is a member.
func (e *Ensemble) Has(name string) bool {
	for _, n := range e.names {
		if n == name {
			return true
		}
	}
	return false
}

// Prediction is the per-row result of Predict.
type Prediction struct {
	Labels []string `json:"labels"`
	// Confidence is the winning probability of every row.
	Confidence []float64 `json:"confidence"`
	// Proba holds one probability column per member: Proba[i][j] is member
	// i's score for row j.
	Proba [][]float64 `json:"probabilities"`
	Names []string    `json:"names"`
}

// Scores returns every member's probability matrix, evaluating members
// concurrently.
func (e *Ensemble) Scores(ctx context.Context, X [][]float64) ([][]float64, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("score empty batch: %w", errs.ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proba := make([][]float64, len(e.members))
	var g errgroup.Group
	for i, clf := range e.members {
		g.Go(func() error {
			p, err := clf.PredictProba(X)
			if err != nil {
				return fmt.Errorf("member %s: %w", e.names[i], errs.Compute(err))
			}
			proba[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proba, nil
}

// Predict labels every row of X with a member name or Unknown. A row is
// accepted when its best probability is at least tau.
func (e *Ensemble) Predict(ctx context.Context, X [][]float64, tau float64) (*Prediction, error) {
	proba, err := e.Scores(ctx, X)
	if err != nil {
		return nil, err
	}
	out := &Prediction{
		Labels:     make([]string, len(X)),
		Confidence: make([]float64, len(X)),
		Proba:      proba,
		Names:      e.Names(),
	}
	column := make([]float64, len(e.members))
	for j := range X {
		for i := range proba {
			column[i] = proba[i][j]
		}
		out.Labels[j], out.Confidence[j] = e.decide(column, tau)
	}
	return out, nil
}

// Identity is a window-level verdict.
type Identity struct {
	User       string             `json:"predicted_user"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	Rows       int                `json:"rows"`
}

// Known reports whether a member claimed the window.
func (id Identity) Known() bool { return id.User != Unknown }

// Identify averages each member's probability over the rows of X and
// applies the confidence floor to the averages.
func (e *Ensemble) Identify(ctx context.Context, X [][]float64, tau float64) (*Identity, error) {
	proba, err := e.Scores(ctx, X)
	if err != nil {
		return nil, err
	}
	means := make([]float64, len(proba))
	scores := make(map[string]float64, len(proba))
	for i, p := range proba {
		var s float64
		for _, v := range p {
			s += v
		}
		means[i] = s / float64(len(p))
		scores[e.names[i]] = means[i]
	}
	user, conf := e.decide(means, tau)
	return &Identity{User: user, Confidence: conf, Scores: scores, Rows: len(X)}, nil
}

// decide picks the first maximum so that ties resolve in enrollment order.
func (e *Ensemble) decide(p []float64, tau float64) (string, float64) {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	if p[best] >= tau {
		return e.names[best], p[best]
	}
	return Unknown, p[best]
}

type encoded struct {
	Version int      `json:"version"`
	Names   []string `json:"names"`
	Members [][]byte `json:"members"`
}

// MarshalBinary encodes the member names and classifiers.
func (e *Ensemble) MarshalBinary() ([]byte, error) {
	enc := encoded{Version: formatVersion, Names: e.names, Members: make([][]byte, len(e.members))}
	for i, clf := range e.members {
		raw, err := clf.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode member %s: %w", e.names[i], err)
		}
		enc.Members[i] = raw
	}
	return json.Marshal(enc)
}

// Decoder restores ensembles written by MarshalBinary.
type Decoder struct {
	Factory model.Factory
	Result  *Ensemble
}

// UnmarshalBinary decodes data into d.Result.
func (d *Decoder) UnmarshalBinary(data []byte) error {
	var enc encoded
	if err := json.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("decode ensemble: %w", errs.ErrSchema)
	}
	if enc.Version != formatVersion {
		return fmt.Errorf("ensemble format version %d: %w", enc.Version, errs.ErrSchema)
	}
	if len(enc.Names) != len(enc.Members) {
		return fmt.Errorf("ensemble lists %d names for %d members: %w", len(enc.Names), len(enc.Members), errs.ErrSchema)
	}
	members := make([]model.Classifier, len(enc.Members))
	for i, raw := range enc.Members {
		clf := d.Factory.New(model.Params{})
		if err := clf.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("decode member %s: %w", enc.Names[i], err)
		}
		members[i] = clf
	}
	e, err := New(enc.Names, members)
	if err != nil {
		return err
	}
	d.Result = e
	return nil
}

// Load reads the persisted ensemble from reg. It returns nil when none has
// been saved.
func Load(reg *registry.Registry, factory model.Factory) (*Ensemble, error) {
	d := &Decoder{Factory: factory}
	ok, err := reg.LoadEnsemble(d)
	if err != nil || !ok {
		return nil, err
	}
	return d.Result, nil
}
