package features

import (
	"regexp"
	"strings"
	"unicode"
)

// Key type codes.
const (
	KeyTypeOther = iota
	KeyTypeFunction
	KeyTypeMedia
	KeyTypeUpperAlpha
	KeyTypeLowerAlpha
	KeyTypeNumeric
	KeyTypePunctuation
	KeyTypeModifier
	KeyTypeDelete
	KeyTypeShortcut
)

var (
	functionKey = regexp.MustCompile(`^Key\.f\d+$`)
	mediaKey    = regexp.MustCompile(`^Key\.media`)
)

const punctuation = "`~!@#$%^&*()-_=+[{]};:'\",<.>/?\\|"

// KeyType classifies a normalized key name. Checks run in a fixed order and
// the first match wins.
func KeyType(key string) int {
	switch {
	case functionKey.MatchString(key):
		return KeyTypeFunction
	case mediaKey.MatchString(key):
		return KeyTypeMedia
	case isCased(key, unicode.IsUpper, unicode.IsLower):
		return KeyTypeUpperAlpha
	case isCased(key, unicode.IsLower, unicode.IsUpper):
		return KeyTypeLowerAlpha
	case isDigits(key):
		return KeyTypeNumeric
	case len(key) == 1 && strings.ContainsRune(punctuation, rune(key[0])):
		return KeyTypePunctuation
	case strings.Contains(key, "Key."):
		return KeyTypeModifier
	case strings.Contains(key, "Backspace") || strings.Contains(key, "Delete"):
		return KeyTypeDelete
	case strings.Contains(key, " + "):
		return KeyTypeShortcut
	}
	return KeyTypeOther
}

// isCased reports whether s has at least one cased letter and none of the
// opposite case.
func isCased(s string, want, other func(rune) bool) bool {
	found := false
	for _, r := range s {
		if other(r) {
			return false
		}
		if want(r) {
			found = true
		}
	}
	return found
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var sections = func() []map[string]bool {
	raw := [][]string{
		{"`", "1", "Tab", "Q", "A", "Key.caps_lock", "Key.shift_l", "Z", "Key.alt_l", "Key.ctrl_l", "Key.cmd_l", "Escape", "Key.f1"},
		{"2", "3", "W", "E", "S", "D", "X", "C", "Key.f2", "Key.f3"},
		{"4", "5", "R", "T", "F", "G", "V", "B", "Key.f4", "Key.f5"},
		{"6", "7", "Y", "U", "H", "J", "N", "M", "Key.f6", "Key.f7"},
		{"8", "9", "I", "O", "K", "L", ",", ".", "Key.f8", "Key.f9"},
		{"0", "-", "P", "[", ";", "'", "/", "Key.shift_r", "Key.f10", "Key.f11"},
		{"Key.f12", "Home", "End", "Delete", "\\", "Backspace", "Enter", "Key.page_up", "Key.page_down"},
		{"Key.up", "Key.down", "Key.left", "Key.right"},
		{"Space", "Key.alt_r", "Key.cmd_r"},
	}
	out := make([]map[string]bool, len(raw))
	for i, keys := range raw {
		out[i] = make(map[string]bool, len(keys)*2)
		for _, k := range keys {
			out[i][k] = true
			if len(k) == 1 {
				out[i][strings.ToLower(k)] = true
			}
		}
	}
	return out
}()

// KeySection returns the keyboard section (1..9) of a normalized key name,
// or 0 when the key belongs to none.
func KeySection(key string) int {
	for i, s := range sections {
		if s[key] {
			return i + 1
		}
	}
	return 0
}
