// Package security holds the file, input and rate limiting guards shared by
// the storage and operator-facing packages.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"keyguard/internal/errs"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInvalidInput    = errors.New("security: invalid input")
)

// MaxIDLength bounds alert, job and schedule identifiers.
const MaxIDLength = 128

// MaxUsernameLength bounds user names.
const MaxUsernameLength = 64

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID checks an identifier that becomes part of a file name.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q: %w", ErrInvalidInput, truncate(id, 32), errs.ErrInvalidArgument)
	}
	return nil
}

// ValidateUsername checks a user name. Names appear in directory and CSV
// file names, so separators, dots at the edges and control characters are
// rejected.
func ValidateUsername(name string) error {
	bad := func(reason string) error {
		return fmt.Errorf("%w: username %q %s: %w", ErrInvalidInput, truncate(name, 32), reason, errs.ErrInvalidArgument)
	}
	switch {
	case name == "":
		return bad("is empty")
	case !utf8.ValidString(name):
		return bad("is not valid UTF-8")
	case utf8.RuneCountInString(name) > MaxUsernameLength:
		return bad("is too long")
	case strings.ContainsAny(name, `/\:*?"<>|`):
		return bad("contains a path character")
	case strings.HasPrefix(name, ".") || strings.HasSuffix(name, "."):
		return bad("starts or ends with a dot")
	case strings.TrimSpace(name) != name:
		return bad("has surrounding spaces")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return bad("contains control characters")
		}
	}
	return nil
}

// Within resolves rel against root and fails when the result escapes it.
func Within(root, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", ErrInvalidPath
	}
	if containsTraversal(rel) {
		return "", ErrPathTraversal
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	full := filepath.Join(absRoot, rel)
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", ErrPathOutsideRoot
	}
	return full, nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(path), "%2e%2e")
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(token|secret|password|passwd|pwd)[\s:=]+["']?[^\s"']+["']?`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(?i)("?(?:key_stroke|keystrokes|keys)"?\s*[:=]\s*)("[^"]*"|\[[^\]]*\])`), "$1[REDACTED]"},
}

// SanitizeLogOutput masks credentials and raw key payloads in free text
// such as error messages that end up in logs.
func SanitizeLogOutput(input string) string {
	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
