// Package alerts persists anomaly alerts as one JSON record per alert plus
// a CSV of the keystroke window that triggered it.
package alerts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
	"keyguard/internal/security"
)

//go:embed schema/alert.schema.json
var alertSchemaJSON []byte

const (
	alertSchemaURL = "alert.schema.json"
	maxAlertSize   = 4 << 20

	jsonSuffix = ".json"
	csvSuffix  = "_keystrokes.csv"

	// DefaultLimit is the page size used when List is given none.
	DefaultLimit = 50
)

// Progress mirrors the enrollment progress at the time of the alert.
type Progress struct {
	Collected  int     `json:"collected"`
	Target     int     `json:"target"`
	Percentage float64 `json:"percentage"`
}

// NewProgress computes a percentage capped at 100.
func NewProgress(collected, target int) Progress {
	p := Progress{Collected: collected, Target: target}
	if target > 0 {
		p.Percentage = math.Min(100, 100*float64(collected)/float64(target))
	}
	return p
}

// Keystroke is one event of the alert window.
type Keystroke struct {
	Press       string  `json:"timestamp_press"`
	Release     string  `json:"timestamp_release"`
	Key         string  `json:"key"`
	Application string  `json:"application,omitempty"`
	HoldTime    float64 `json:"hold_time"`
}

// Alert is one persisted anomaly.
type Alert struct {
	ID                 string         `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	Type               string         `json:"type"`
	ModelType          model.Type     `json:"model_type"`
	Username           string         `json:"username,omitempty"`
	Confidence         float64        `json:"confidence"`
	PredictionResult   map[string]any `json:"prediction_result"`
	KeystrokeCount     int            `json:"keystroke_count"`
	Keystrokes         []Keystroke    `json:"keystrokes"`
	CollectionProgress Progress       `json:"collection_progress"`
}

// TypeFor names the alert type raised by a model type, for example
// "free_text_keystroke_anomaly".
func TypeFor(t model.Type) string {
	return strings.ReplaceAll(string(t), "-", "_") + "_keystroke_anomaly"
}

// Page is one page of List results.
type Page struct {
	Alerts     []Alert `json:"alerts"`
	TotalCount int     `json:"total_count"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
}

// Store reads and writes alerts under one directory.
type Store struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewStore opens the alert directory, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := security.EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("create alerts dir: %w", errs.IO(err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(alertSchemaURL, bytes.NewReader(alertSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(alertSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "alerts")
	}
	return &Store{dir: dir, schema: schema, logger: logger}, nil
}

// Dir returns the alert directory.
func (s *Store) Dir() string { return s.dir }

// NewID returns a sortable alert identifier.
func NewID(at time.Time) string {
	return "alert_" + at.UTC().Format("20060102T150405") + "_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")
}

// Save writes a and the raw window. A missing ID, count or keystroke list is
// filled in from events. Non-finite numbers are stored as 0.
func (s *Store) Save(a *Alert, events []keystroke.KeyEvent) error {
	if a.ID == "" {
		a.ID = NewID(a.Timestamp)
	}
	if err := security.ValidateID(a.ID); err != nil {
		return err
	}
	if a.Type == "" {
		a.Type = TypeFor(a.ModelType)
	}
	if a.Keystrokes == nil {
		a.Keystrokes = Window(events)
	}
	if a.KeystrokeCount == 0 {
		a.KeystrokeCount = len(a.Keystrokes)
	}
	if a.PredictionResult == nil {
		a.PredictionResult = map[string]any{}
	}
	a.Confidence = finite(a.Confidence)
	a.CollectionProgress.Percentage = finite(a.CollectionProgress.Percentage)
	a.PredictionResult = sanitize(a.PredictionResult).(map[string]any)

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	if err := s.validate(data); err != nil {
		return fmt.Errorf("alert %s: %w", a.ID, err)
	}

	if len(events) > 0 {
		var buf bytes.Buffer
		w := features.NewWriter(&buf)
		if err := w.WriteHeader(); err != nil {
			return err
		}
		if err := w.Write(events...); err != nil {
			return fmt.Errorf("encode alert window: %w", err)
		}
		if err := security.WriteFileAtomic(s.csvPath(a.ID), buf.Bytes(), security.PermPrivateFile); err != nil {
			return fmt.Errorf("write alert window: %w", errs.IO(err))
		}
	}
	if err := security.WriteFileAtomic(s.jsonPath(a.ID), data, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write alert: %w", errs.IO(err))
	}
	s.logger.Warn("keystroke anomaly",
		"alert_id", a.ID,
		"type", a.Type,
		"confidence", a.Confidence,
		"keystroke_count", a.KeystrokeCount,
	)
	return nil
}

// Window converts events into alert keystrokes.
func Window(events []keystroke.KeyEvent) []Keystroke {
	out := make([]Keystroke, len(events))
	for i, ev := range events {
		out[i] = Keystroke{
			Press:       features.FormatTimestamp(ev.Press),
			Release:     features.FormatTimestamp(ev.Release),
			Key:         ev.Key,
			Application: ev.App,
			HoldTime:    finite(math.Max(0, ev.Hold().Seconds())),
		}
	}
	return out
}

// Get returns one alert. The id is validated before any file is touched.
func (s *Store) Get(id string) (*Alert, error) {
	if err := security.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := security.ReadFileLimited(s.jsonPath(id), maxAlertSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("alert %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read alert %s: %w", id, errs.IO(err))
	}
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode alert %s: %v: %w", id, err, errs.ErrSchema)
	}
	return &a, nil
}

// WindowPath returns the keystroke CSV of an alert.
func (s *Store) WindowPath(id string) (string, error) {
	if err := security.ValidateID(id); err != nil {
		return "", err
	}
	return s.csvPath(id), nil
}

// List returns alerts newest first. filter is matched case-insensitively
// against the stored JSON text. Pages start at 1.
func (s *Store) List(page, limit int, filter string) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", errs.IO(err))
	}
	needle := strings.ToLower(filter)

	var all []Alert
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, jsonSuffix)
		if security.ValidateID(id) != nil {
			continue
		}
		data, err := security.ReadFileLimited(filepath.Join(s.dir, name), maxAlertSize)
		if err != nil {
			s.logger.Warn("skipping unreadable alert", "alert_id", id, "error", err)
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(string(data)), needle) {
			continue
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			s.logger.Warn("skipping malformed alert", "alert_id", id, "error", err)
			continue
		}
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ID > all[j].ID
	})

	out := &Page{Alerts: []Alert{}, TotalCount: len(all), Page: page, Limit: limit}
	start := (page - 1) * limit
	if start < len(all) {
		end := min(start+limit, len(all))
		out.Alerts = all[start:end]
	}
	return out, nil
}

// Count returns the number of stored alerts.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", errs.IO(err))
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), jsonSuffix) {
			n++
		}
	}
	return n, nil
}

func (s *Store) validate(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode alert: %v: %w", err, errs.ErrSchema)
	}
	if err := s.schema.Validate(instance); err != nil {
		return fmt.Errorf("alert schema: %v: %w", err, errs.ErrSchema)
	}
	return nil
}

func (s *Store) jsonPath(id string) string { return filepath.Join(s.dir, id+jsonSuffix) }
func (s *Store) csvPath(id string) string  { return filepath.Join(s.dir, id+csvSuffix) }

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// sanitize replaces non-finite floats in the value shapes prediction
// payloads are built from.
func sanitize(v any) any {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case []float64:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	case [][]float64:
		out := make([][]float64, len(x))
		for i, row := range x {
			out[i] = sanitize(row).([]float64)
		}
		return out
	case map[string]float64:
		out := make(map[string]float64, len(x))
		for k, f := range x {
			out[k] = finite(f)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = sanitize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitize(e)
		}
		return out
	}
	return v
}
