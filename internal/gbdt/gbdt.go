// Package gbdt implements a histogram-based gradient boosted decision tree
// classifier for binary logloss.
//
// Features are quantized into at most MaxBins bins per column. Trees grow
// level by level to the configured depth; a split is taken only when it
// reduces the regularized loss. Leaf values are Newton steps
// -G/(H+λ) scaled by the learning rate. Classes are weighted so that both
// contribute equally, and when an evaluation set is given boosting stops
// after EarlyStoppingRounds iterations without improvement and keeps the
// best prefix of trees.
package gbdt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"keyguard/internal/errs"
	"keyguard/internal/model"
)

// MaxBins is the maximum number of histogram bins per feature.
const MaxBins = 64

const (
	formatVersion = 1
	minHessian    = 1e-3
	epsilon       = 1e-12
)

// node is either a split (Left > 0) or a leaf.
type node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

func (t *tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left == 0 {
			return n.Value
		}
		v := 0.0
		if n.Feature < len(x) && !math.IsNaN(x[n.Feature]) {
			v = x[n.Feature]
		}
		if v <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Classifier is a boosted tree ensemble. The zero value is untrained.
type Classifier struct {
	params      model.Params
	numFeatures int
	baseScore   float64
	trees       []tree
}

// New returns an untrained classifier.
func New(p model.Params) *Classifier {
	return &Classifier{params: p}
}

// Factory builds gbdt classifiers.
var Factory = model.FactoryFunc(func(p model.Params) model.Classifier { return New(p) })

var _ model.Classifier = (*Classifier)(nil)

// Trained reports whether Fit has produced at least one tree.
func (c *Classifier) Trained() bool { return len(c.trees) > 0 }

// BestIteration returns the number of trees kept.
func (c *Classifier) BestIteration() int { return len(c.trees) }

// NumFeatures returns the row width the classifier was trained on.
func (c *Classifier) NumFeatures() int { return c.numFeatures }

// Fit trains the classifier.
func (c *Classifier) Fit(ctx context.Context, train, eval model.Dataset, progress model.ProgressFunc) error {
	if err := validateBoosting(c.params); err != nil {
		return err
	}
	if err := checkDataset(train); err != nil {
		return fmt.Errorf("train set: %w", err)
	}
	width := len(train.X[0])
	hasEval := eval.Len() > 0
	if hasEval {
		if err := checkDataset(eval); err != nil {
			return fmt.Errorf("eval set: %w", err)
		}
		if len(eval.X[0]) != width {
			return fmt.Errorf("eval width %d, train width %d: %w", len(eval.X[0]), width, errs.ErrInvalidArgument)
		}
	}

	weights, err := balancedWeights(train.Y)
	if err != nil {
		return err
	}
	thresholds := binThresholds(train.X, width)
	binned := binColumns(train.X, thresholds)

	n := train.Len()
	c.numFeatures = width
	c.trees = c.trees[:0]
	c.baseScore = 0

	score := make([]float64, n)
	grad := make([]float64, n)
	hess := make([]float64, n)
	var evalScore []float64
	if hasEval {
		evalScore = make([]float64, eval.Len())
	}

	b := &builder{
		binned:     binned,
		thresholds: thresholds,
		grad:       grad,
		hess:       hess,
		depth:      c.params.Depth,
		lambda:     c.params.L2LeafReg,
		rate:       c.params.LearningRate,
	}

	bestLoss := math.Inf(1)
	bestCount := 0
	for iter := 0; iter < c.params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			p := sigmoid(score[i])
			grad[i] = weights[i] * (p - float64(train.Y[i]))
			hess[i] = math.Max(weights[i]*p*(1-p), epsilon)
		}
		t := b.build(n)
		c.trees = append(c.trees, t)
		for i := 0; i < n; i++ {
			score[i] += t.predict(train.X[i])
		}

		if hasEval {
			for i, x := range eval.X {
				evalScore[i] += t.predict(x)
			}
			loss := logloss(evalScore, eval.Y)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fmt.Errorf("eval loss diverged at iteration %d: %w", iter, errs.ErrCompute)
			}
			if loss < bestLoss-epsilon {
				bestLoss = loss
				bestCount = len(c.trees)
			} else if c.params.EarlyStoppingRounds > 0 && len(c.trees)-bestCount >= c.params.EarlyStoppingRounds {
				if progress != nil {
					progress(iter+1, c.params.Iterations)
				}
				break
			}
		}
		if progress != nil {
			progress(iter+1, c.params.Iterations)
		}
	}
	if hasEval && bestCount > 0 {
		c.trees = c.trees[:bestCount]
	}
	return nil
}

// validateBoosting checks the fields the booster reads. Split and
// sampling parameters belong to the trainer.
func validateBoosting(p model.Params) error {
	switch {
	case p.Iterations < 1:
		return fmt.Errorf("iterations must be positive: %w", errs.ErrInvalidArgument)
	case p.Depth < 1 || p.Depth > 16:
		return fmt.Errorf("depth must be between 1 and 16: %w", errs.ErrInvalidArgument)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("learning_rate must be in (0, 1]: %w", errs.ErrInvalidArgument)
	case p.L2LeafReg < 0:
		return fmt.Errorf("l2_leaf_reg must not be negative: %w", errs.ErrInvalidArgument)
	}
	return nil
}

func checkDataset(d model.Dataset) error {
	if d.Len() == 0 {
		return errs.ErrEmptyInput
	}
	if len(d.Y) != d.Len() {
		return fmt.Errorf("%d rows, %d labels: %w", d.Len(), len(d.Y), errs.ErrMissingLabel)
	}
	width := len(d.X[0])
	if width == 0 {
		return fmt.Errorf("zero-width rows: %w", errs.ErrInvalidArgument)
	}
	for i, row := range d.X {
		if len(row) != width {
			return fmt.Errorf("row %d has width %d, want %d: %w", i, len(row), width, errs.ErrInvalidArgument)
		}
	}
	return nil
}

// balancedWeights gives each class total weight n/2.
func balancedWeights(y []int) ([]float64, error) {
	var pos int
	for _, v := range y {
		if v == 1 {
			pos++
		}
	}
	neg := len(y) - pos
	if pos == 0 || neg == 0 {
		return nil, fmt.Errorf("training labels contain a single class: %w", errs.ErrInsufficientData)
	}
	n := float64(len(y))
	wPos := n / (2 * float64(pos))
	wNeg := n / (2 * float64(neg))
	w := make([]float64, len(y))
	for i, v := range y {
		if v == 1 {
			w[i] = wPos
		} else {
			w[i] = wNeg
		}
	}
	return w, nil
}

// binThresholds picks up to MaxBins-1 split candidates per feature from the
// quantiles of its distinct values.
func binThresholds(X [][]float64, width int) [][]float64 {
	out := make([][]float64, width)
	col := make([]float64, len(X))
	for f := 0; f < width; f++ {
		for i, row := range X {
			col[i] = clean(row[f])
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		distinct := sorted[:0]
		for i, v := range sorted {
			if i == 0 || v != distinct[len(distinct)-1] {
				distinct = append(distinct, v)
			}
		}
		if len(distinct) <= 1 {
			continue
		}
		cands := len(distinct) - 1
		if cands > MaxBins-1 {
			cands = MaxBins - 1
		}
		th := make([]float64, 0, cands)
		for k := 1; k <= cands; k++ {
			idx := k * (len(distinct) - 1) / cands
			// Split between two adjacent distinct values.
			t := (distinct[idx-1] + distinct[idx]) / 2
			if len(th) == 0 || t > th[len(th)-1] {
				th = append(th, t)
			}
		}
		out[f] = th
	}
	return out
}

// binColumns stores the bin index of every value, column-major.
func binColumns(X [][]float64, thresholds [][]float64) [][]uint8 {
	out := make([][]uint8, len(thresholds))
	for f, th := range thresholds {
		out[f] = make([]uint8, len(X))
		if len(th) == 0 {
			continue
		}
		for i, row := range X {
			out[f][i] = uint8(sort.SearchFloat64s(th, clean(row[f])))
		}
	}
	return out
}

func clean(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

type builder struct {
	binned     [][]uint8
	thresholds [][]float64
	grad, hess []float64
	depth      int
	lambda     float64
	rate       float64
}

type pending struct {
	node int
	rows []int
}

// build grows one tree level by level.
func (b *builder) build(n int) tree {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	t := tree{Nodes: []node{{}}}
	level := []pending{{node: 0, rows: rows}}
	for d := 0; d < b.depth && len(level) > 0; d++ {
		var next []pending
		for _, p := range level {
			f, bin, ok := b.bestSplit(p.rows)
			if !ok {
				t.Nodes[p.node].Value = b.leaf(p.rows)
				continue
			}
			var left, right []int
			for _, r := range p.rows {
				if int(b.binned[f][r]) <= bin {
					left = append(left, r)
				} else {
					right = append(right, r)
				}
			}
			li := len(t.Nodes)
			t.Nodes = append(t.Nodes, node{}, node{})
			t.Nodes[p.node] = node{Feature: f, Threshold: b.thresholds[f][bin], Left: li, Right: li + 1}
			next = append(next, pending{node: li, rows: left}, pending{node: li + 1, rows: right})
		}
		level = next
	}
	for _, p := range level {
		t.Nodes[p.node].Value = b.leaf(p.rows)
	}
	return t
}

func (b *builder) leaf(rows []int) float64 {
	var g, h float64
	for _, r := range rows {
		g += b.grad[r]
		h += b.hess[r]
	}
	return -g / (h + b.lambda) * b.rate
}

// bestSplit returns the feature and bin with the highest positive gain.
// Rows with bin <= the returned bin go left.
func (b *builder) bestSplit(rows []int) (int, int, bool) {
	if len(rows) < 2 {
		return 0, 0, false
	}
	var gTotal, hTotal float64
	for _, r := range rows {
		gTotal += b.grad[r]
		hTotal += b.hess[r]
	}
	parent := gTotal * gTotal / (hTotal + b.lambda)

	bestGain := epsilon
	bestF, bestBin := -1, -1
	var gHist, hHist [MaxBins]float64
	for f, th := range b.thresholds {
		if len(th) == 0 {
			continue
		}
		bins := len(th) + 1
		for k := 0; k < bins; k++ {
			gHist[k], hHist[k] = 0, 0
		}
		col := b.binned[f]
		for _, r := range rows {
			gHist[col[r]] += b.grad[r]
			hHist[col[r]] += b.hess[r]
		}
		var gl, hl float64
		for k := 0; k < bins-1; k++ {
			gl += gHist[k]
			hl += hHist[k]
			gr, hr := gTotal-gl, hTotal-hl
			if hl < minHessian || hr < minHessian {
				continue
			}
			gain := gl*gl/(hl+b.lambda) + gr*gr/(hr+b.lambda) - parent
			if gain > bestGain {
				bestGain, bestF, bestBin = gain, f, k
			}
		}
	}
	return bestF, bestBin, bestF >= 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logloss(score []float64, y []int) float64 {
	var loss float64
	for i, s := range score {
		p := math.Min(math.Max(sigmoid(s), epsilon), 1-epsilon)
		if y[i] == 1 {
			loss -= math.Log(p)
		} else {
			loss -= math.Log(1 - p)
		}
	}
	return loss / float64(len(score))
}

func (c *Classifier) raw(x []float64) float64 {
	s := c.baseScore
	for i := range c.trees {
		s += c.trees[i].predict(x)
	}
	return s
}

// PredictProba returns the owner probability of every row.
func (c *Classifier) PredictProba(X [][]float64) ([]float64, error) {
	if !c.Trained() {
		return nil, errs.ErrModelNotTrained
	}
	out := make([]float64, len(X))
	for i, x := range X {
		if len(x) != c.numFeatures {
			return nil, fmt.Errorf("row %d has width %d, want %d: %w", i, len(x), c.numFeatures, errs.ErrInvalidArgument)
		}
		out[i] = sigmoid(c.raw(x))
	}
	return out, nil
}

// Predict returns 1 where the owner probability is at least 0.5.
func (c *Classifier) Predict(X [][]float64) ([]int, error) {
	proba, err := c.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(proba))
	for i, p := range proba {
		if p >= 0.5 {
			out[i] = 1
		}
	}
	return out, nil
}

type encoded struct {
	Version     int          `json:"version"`
	Params      model.Params `json:"params"`
	NumFeatures int          `json:"num_features"`
	BaseScore   float64      `json:"base_score"`
	Trees       []tree       `json:"trees"`
}

// MarshalBinary encodes the trained ensemble.
func (c *Classifier) MarshalBinary() ([]byte, error) {
	if !c.Trained() {
		return nil, errs.ErrModelNotTrained
	}
	return json.Marshal(encoded{
		Version:     formatVersion,
		Params:      c.params,
		NumFeatures: c.numFeatures,
		BaseScore:   c.baseScore,
		Trees:       c.trees,
	})
}

// UnmarshalBinary decodes an ensemble produced by MarshalBinary.
func (c *Classifier) UnmarshalBinary(data []byte) error {
	var e encoded
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decode classifier: %w", errs.ErrSchema)
	}
	if e.Version != formatVersion {
		return fmt.Errorf("classifier format version %d: %w", e.Version, errs.ErrSchema)
	}
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty: %w", ti, errs.ErrSchema)
		}
		for ni, n := range t.Nodes {
			if n.Left != 0 && (n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes)) {
				return fmt.Errorf("tree %d node %d has invalid children: %w", ti, ni, errs.ErrSchema)
			}
		}
	}
	c.params = e.Params
	c.numFeatures = e.NumFeatures
	c.baseScore = e.BaseScore
	c.trees = e.Trees
	return nil
}
