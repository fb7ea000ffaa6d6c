// Package features turns captured key events into fixed-width feature rows.
//
// Events are normalized (canonical names, control codes, collapsed
// shortcuts), cleaned, sorted by release time and cut into groups of
// GroupSize consecutive events. Each group yields one row of timing
// digraphs, hold times, aggregates and key encodings; see Columns for the
// layout.
package features

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/keystroke"
)

// GroupSize is the number of events per feature row.
const GroupSize = 5

// OutlierQuantile bounds hold times kept in training mode.
const OutlierQuantile = 0.99

var columns = func() []string {
	var cols []string
	for _, prefix := range []string{"PPD", "RRD", "RPD", "PRD", "Hold_Time"} {
		for i := 0; i < GroupSize; i++ {
			cols = append(cols, fmt.Sprintf("%s_%d", prefix, i))
		}
	}
	cols = append(cols,
		"PPD_Sum", "RRD_Sum", "RPD_Sum", "PRD_Sum",
		"Typing_Speed_Avg", "Typing_Speed_Max", "Typing_Speed_Min",
		"HT_Sum", "Hold_Time_Avg", "Hold_Time_Std",
	)
	for _, prefix := range []string{"Key_Type", "Key_Section"} {
		for i := 0; i < GroupSize; i++ {
			cols = append(cols, fmt.Sprintf("%s_%d", prefix, i))
		}
	}
	return cols
}()

// Columns returns the feature names in row order.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns)
	return out
}

// NumFeatures is the width of every feature row.
func NumFeatures() int { return len(columns) }

// Options controls extraction.
type Options struct {
	// Training enables hold-time outlier removal and discards the trailing
	// partial group.
	Training bool

	// User labels every row when set.
	User string
}

// Frame is a batch of feature rows.
type Frame struct {
	Rows [][]float64
	// Users holds one label per row, or nil for unlabeled frames.
	Users []string
	// EventCounts is the number of cleaned events per user before grouping.
	EventCounts map[string]int
	// Remainder holds the trailing events that did not fill a group.
	Remainder []keystroke.KeyEvent
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Labeled reports whether every row carries a user label.
func (f *Frame) Labeled() bool {
	return f != nil && len(f.Users) == len(f.Rows) && len(f.Rows) > 0
}

// Append adds the rows of other to f.
func (f *Frame) Append(other *Frame) {
	if other == nil {
		return
	}
	if f.EventCounts == nil {
		f.EventCounts = make(map[string]int)
	}
	f.Rows = append(f.Rows, other.Rows...)
	if other.Users != nil {
		f.Users = append(f.Users, other.Users...)
	}
	for u, n := range other.EventCounts {
		f.EventCounts[u] += n
	}
}

// Clean normalizes events and applies the row filters: cross-date and
// invalid rows are dropped, the rest is stably sorted by release time and,
// in training mode, hold-time outliers are removed.
func Clean(events []keystroke.KeyEvent, training bool) []keystroke.KeyEvent {
	normalized := Normalize(events)
	kept := normalized[:0]
	for _, ev := range normalized {
		if ev.Key == "" || ev.Press.IsZero() || ev.Release.IsZero() || !ev.SameDay() {
			continue
		}
		if ev.Release.Before(ev.Press) {
			continue
		}
		kept = append(kept, ev)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Release.Before(kept[j].Release) })

	if training && len(kept) > 0 {
		// Inclusive at the quantile so constant hold times keep every row.
		limit := quantile(holdSeconds(kept), OutlierQuantile)
		filtered := kept[:0]
		for _, ev := range kept {
			if ev.Hold().Seconds() <= limit {
				filtered = append(filtered, ev)
			}
		}
		kept = filtered
	}
	return kept
}

// Extract computes feature rows for events of a single typist.
func Extract(events []keystroke.KeyEvent, opts Options) (*Frame, error) {
	cleaned := Clean(events, opts.Training)
	if len(cleaned) < GroupSize {
		return nil, fmt.Errorf("extract features from %d events: %w", len(cleaned), errs.ErrEmptyInput)
	}

	groups := len(cleaned) / GroupSize
	frame := &Frame{
		Rows:        make([][]float64, 0, groups),
		EventCounts: map[string]int{opts.User: len(cleaned)},
	}
	var prev []keystroke.KeyEvent
	for g := 0; g < groups; g++ {
		group := cleaned[g*GroupSize : (g+1)*GroupSize]
		frame.Rows = append(frame.Rows, row(group, prev))
		prev = group
	}
	if opts.User != "" {
		frame.Users = make([]string, groups)
		for i := range frame.Users {
			frame.Users[i] = opts.User
		}
	}
	if rest := cleaned[groups*GroupSize:]; len(rest) > 0 && !opts.Training {
		frame.Remainder = append([]keystroke.KeyEvent(nil), rest...)
	}
	return frame, nil
}

// ExtractCSV reads a captured event file and extracts its features.
func ExtractCSV(r io.Reader, opts Options) (*Frame, error) {
	events, err := ReadEvents(r)
	if err != nil {
		return nil, err
	}
	return Extract(events, opts)
}

func row(group, prev []keystroke.KeyEvent) []float64 {
	n := len(group)
	ppd := make([]float64, n)
	rrd := make([]float64, n)
	rpd := make([]float64, n)
	prd := make([]float64, n)
	hold := make([]float64, n)

	if len(prev) > 0 {
		last := prev[len(prev)-1]
		ppd[0] = seconds(group[0].Press.Sub(last.Press))
		rrd[0] = seconds(group[0].Release.Sub(last.Release))
	}
	for i := 0; i < n; i++ {
		hold[i] = group[i].Hold().Seconds()
		if i == 0 {
			continue
		}
		ppd[i] = seconds(group[i].Press.Sub(group[i-1].Press))
		rrd[i] = seconds(group[i].Release.Sub(group[i-1].Release))
		rpd[i] = seconds(group[i].Press.Sub(group[i-1].Release))
		prd[i] = seconds(group[i].Release.Sub(group[i-1].Press))
	}

	out := make([]float64, 0, len(columns))
	out = append(out, ppd...)
	out = append(out, rrd...)
	out = append(out, rpd...)
	out = append(out, prd...)
	out = append(out, hold...)
	out = append(out, sum(ppd), sum(rrd), sum(rpd), sum(prd))
	out = append(out, mean(ppd), maxOf(ppd), minOf(ppd))
	out = append(out, sum(hold), mean(hold), stddev(hold))
	for _, ev := range group {
		out = append(out, float64(KeyType(ev.Key)))
	}
	for _, ev := range group {
		out = append(out, float64(KeySection(ev.Key)))
	}
	return out
}

func seconds(d time.Duration) float64 {
	return math.Abs(d.Seconds())
}

func holdSeconds(events []keystroke.KeyEvent) []float64 {
	out := make([]float64, len(events))
	for i, ev := range events {
		out[i] = ev.Hold().Seconds()
	}
	return out
}

// quantile uses linear interpolation between closest ranks.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

func minOf(xs []float64) float64 {
	m := math.Inf(1)
	for _, x := range xs {
		m = math.Min(m, x)
	}
	return m
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)))
}
