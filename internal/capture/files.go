package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/features"
	"keyguard/internal/keystroke"
	"keyguard/internal/model"
)

const (
	filePrefix = "keystrokes_"
	fileSuffix = ".csv"
	dayLayout  = "2006-01-02"
)

// DataFile is one captured CSV.
type DataFile struct {
	Path      string
	Username  string
	ModelType model.Type
	Day       time.Time
}

// FileName returns the CSV name for a (user, model, day) triple. The day is
// taken in local time, matching the timestamps inside the file.
func FileName(username string, t model.Type, day time.Time) string {
	return filePrefix + username + "_" + string(t) + "_" + day.In(time.Local).Format(dayLayout) + fileSuffix
}

// ParseFileName splits a CSV name produced by FileName.
func ParseFileName(name string) (username string, t model.Type, day time.Time, ok bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", "", time.Time{}, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if len(stem) < len(dayLayout)+2 || stem[len(stem)-len(dayLayout)-1] != '_' {
		return "", "", time.Time{}, false
	}
	day, err := time.ParseInLocation(dayLayout, stem[len(stem)-len(dayLayout):], time.Local)
	if err != nil {
		return "", "", time.Time{}, false
	}
	stem = stem[:len(stem)-len(dayLayout)-1]
	for _, candidate := range []model.Type{model.FixedText, model.FreeText, model.MultiBinary} {
		suffix := "_" + string(candidate)
		if strings.HasSuffix(stem, suffix) && len(stem) > len(suffix) {
			return strings.TrimSuffix(stem, suffix), candidate, day, true
		}
	}
	return "", "", time.Time{}, false
}

// ListFiles returns the captured CSVs in dir matching the filters, sorted
// by user and then day. Empty filters match everything.
func ListFiles(dir, username string, t model.Type) ([]DataFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list capture files: %w", errs.IO(err))
	}
	var out []DataFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		user, mt, day, ok := ParseFileName(e.Name())
		if !ok || (username != "" && user != username) || (t != "" && mt != t) {
			continue
		}
		out = append(out, DataFile{Path: filepath.Join(dir, e.Name()), Username: user, ModelType: mt, Day: day})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].Day.Before(out[j].Day)
	})
	return out, nil
}

// CountFor returns the number of data lines across every dated CSV of
// (username, t).
func CountFor(dir, username string, t model.Type) (int, error) {
	files, err := ListFiles(dir, username, t)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range files {
		n, err := countLines(f.Path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ReadEvents loads every event captured for (username, t) in day order.
func ReadEvents(dir, username string, t model.Type) ([]keystroke.KeyEvent, error) {
	files, err := ListFiles(dir, username, t)
	if err != nil {
		return nil, err
	}
	var out []keystroke.KeyEvent
	for _, f := range files {
		events, err := readFile(f.Path)
		if errors.Is(err, errs.ErrEmptyInput) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func readFile(path string) ([]keystroke.KeyEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), errs.IO(err))
	}
	defer f.Close()
	events, err := features.ReadEvents(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return events, nil
}

// countLines counts non-empty lines after the header.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), errs.IO(err))
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	n := 0
	first := true
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			header := first && bytes.Contains(line, []byte(features.ColPress))
			if !header {
				n++
			}
			first = false
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", filepath.Base(path), errs.IO(err))
		}
	}
}
