package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/keystroke"
)

// CSV column names.
const (
	ColPress   = "Timestamp_Press"
	ColRelease = "Timestamp_Release"
	ColKey     = "Key Stroke"
	ColApp     = "Application"
	ColHold    = "Hold Time"
)

// Header is the column order of every captured event file.
var Header = []string{ColPress, ColRelease, ColKey, ColApp, ColHold}

var requiredColumns = Header

// parseLayout accepts timestamps with or without fractional seconds.
const parseLayout = "2006-01-02 15:04:05.999999"

// FormatHold renders a duration as H:MM:SS.ffffff.
func FormatHold(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	us := d.Microseconds()
	h := us / 3_600_000_000
	us -= h * 3_600_000_000
	m := us / 60_000_000
	us -= m * 60_000_000
	s := us / 1_000_000
	us -= s * 1_000_000
	return fmt.Sprintf("%s%d:%02d:%02d.%06d", sign, h, m, s, us)
}

// ParseHold parses a hold duration written as H:MM:SS.ffffff (optionally
// prefixed with "N days "), as ISO-8601 PT…S or as a Go duration.
func ParseHold(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty hold time")
	}
	if strings.HasPrefix(s, "PT") || strings.HasPrefix(s, "-PT") {
		return parseISODuration(s)
	}
	if strings.Contains(s, ":") {
		return parseClockDuration(s)
	}
	return time.ParseDuration(s)
}

func parseClockDuration(s string) (time.Duration, error) {
	var days time.Duration
	if i := strings.Index(s, " day"); i >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[:i]))
		if err != nil {
			return 0, fmt.Errorf("parse hold days %q: %w", s, err)
		}
		days = time.Duration(n) * 24 * time.Hour
		rest := s[i+len(" day"):]
		rest = strings.TrimPrefix(rest, "s")
		s = strings.TrimSpace(strings.TrimPrefix(rest, ","))
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("parse hold %q: want H:MM:SS", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("parse hold hours %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("parse hold minutes %q: %w", s, err)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("parse hold seconds %q: %w", s, err)
	}
	d := days + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*1e6+0.5)*time.Microsecond
	return d, nil
}

func parseISODuration(s string) (time.Duration, error) {
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "PT")
	var d time.Duration
	for body != "" {
		i := strings.IndexAny(body, "HMS")
		if i <= 0 {
			return 0, fmt.Errorf("parse hold %q: malformed ISO duration", s)
		}
		v, err := strconv.ParseFloat(body[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("parse hold %q: %w", s, err)
		}
		unit := map[byte]float64{'H': 3600, 'M': 60, 'S': 1}[body[i]]
		d += time.Duration(v*unit*1e6+0.5) * time.Microsecond
		body = body[i+1:]
	}
	if neg {
		d = -d
	}
	return d, nil
}

// FormatTimestamp renders t in local time at microsecond precision.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(keystroke.TimestampLayout)
}

// ParseTimestamp parses a local timestamp written by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(parseLayout, strings.TrimSpace(s), time.Local)
}

// Record returns the CSV fields of an event.
func Record(ev keystroke.KeyEvent) []string {
	return []string{
		FormatTimestamp(ev.Press),
		FormatTimestamp(ev.Release),
		ev.Key,
		SanitizeApp(ev.App),
		FormatHold(ev.Hold()),
	}
}

// SanitizeApp folds line breaks so a window title stays on one CSV line.
func SanitizeApp(app string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(app)
}

// Writer appends events to a CSV stream.
type Writer struct {
	w *csv.Writer
}

// NewWriter wraps w. The caller writes the header with WriteHeader when
// the stream is new.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

// WriteHeader writes the column names.
func (w *Writer) WriteHeader() error {
	if err := w.w.Write(Header); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Write appends events and flushes.
func (w *Writer) Write(events ...keystroke.KeyEvent) error {
	for _, ev := range events {
		if err := w.w.Write(Record(ev)); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// ReadEvents parses a captured event CSV. Rows with unparseable timestamps
// or hold times are skipped; a header without the required columns is a
// schema error.
func ReadEvents(r io.Reader) ([]keystroke.KeyEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", errs.ErrEmptyInput)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", errs.IO(err))
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q: %w", col, errs.ErrSchema)
		}
	}
	field := func(rec []string, col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return "", false
		}
		return rec[i], true
	}

	var events []keystroke.KeyEvent
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("read row: %w", errs.IO(err))
		}
		ps, _ := field(rec, ColPress)
		rs, _ := field(rec, ColRelease)
		key, _ := field(rec, ColKey)
		press, err := ParseTimestamp(ps)
		if err != nil {
			continue
		}
		release, err := ParseTimestamp(rs)
		if err != nil {
			continue
		}
		if hs, ok := field(rec, ColHold); ok && hs != "" {
			if _, err := ParseHold(hs); err != nil {
				continue
			}
		}
		app, _ := field(rec, ColApp)
		events = append(events, keystroke.KeyEvent{Press: press, Release: release, Key: key, App: app})
	}
	return events, nil
}
