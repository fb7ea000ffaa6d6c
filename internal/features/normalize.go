package features

import (
	"sort"
	"strconv"
	"strings"

	"keyguard/internal/keystroke"
)

var canonicalNames = map[string]string{
	"Key.shift":  "Key.shift_l",
	"Key.cmd":    "Key.cmd_l",
	"Key.win":    "Key.cmd_l",
	"Key.alt_gr": "Key.alt_r",
}

// ctrlNames maps the names a hook reports while Ctrl is held.
var ctrlNames = func() map[string]string {
	m := map[string]string{
		"<192>": "Ctrl + `", "<189>": "Ctrl + -", "<187>": "Ctrl + =",
		"\x1b": "Ctrl + [", "\x1d": "Ctrl + ]", "\x1c": "Ctrl + \\",
		"<186>": "Ctrl + ;", "<222>": "Ctrl + '", "<188>": "Ctrl + ,",
		"<190>": "Ctrl + .", "<191>": "Ctrl + /",
	}
	for c := byte(1); c <= 26; c++ {
		m[string(rune(c))] = "Ctrl + " + string(rune('A'+c-1))
	}
	for d := byte(0); d <= 9; d++ {
		m["<"+strconv.Itoa(48+int(d))+">"] = "Ctrl + " + string(rune('0'+d))
	}
	return m
}()

var renames = map[string]string{
	"Key.space":        "Space",
	"Key.enter":        "Enter",
	"Key.backspace":    "Backspace",
	"Key.delete":       "Delete",
	"Key.esc":          "Escape",
	"Key.tab":          "Tab",
	"Key.home":         "Home",
	"Key.end":          "End",
	"Key.prtscn":       "PrtScn",
	"Key.print_screen": "PrtScn",
}

type shortcut struct {
	keys []string
	name string
}

// shortcuts is ordered longest first so the first match is the longest.
var shortcuts = func() []shortcut {
	s := []shortcut{
		{[]string{"Key.cmd_l", "Key.tab"}, "Win + Tab"},
		{[]string{"Key.alt_l", "Key.tab"}, "Alt + Tab"},
		{[]string{"Key.alt_l", "Key.f4"}, "Alt + F4"},
		{[]string{"Key.ctrl_l", "Key.shift_l", "Key.esc"}, "Ctrl + Shift + Esc"},
		{[]string{"Key.cmd_l", "Key.down"}, "Win + Down Arrow"},
		{[]string{"Key.cmd_l", "Key.up"}, "Win + Up Arrow"},
		{[]string{"Key.cmd_l", "Key.left"}, "Win + Left Arrow"},
		{[]string{"Key.cmd_l", "Key.right"}, "Win + Right Arrow"},
		{[]string{"Key.ctrl_l", "Key.home"}, "Ctrl + Home"},
		{[]string{"Key.ctrl_l", "Key.end"}, "Ctrl + End"},
		{[]string{"Key.shift_l", "Key.home"}, "Shift + Home"},
		{[]string{"Key.shift_l", "Key.end"}, "Shift + End"},
		{[]string{"Key.cmd_l", "Key.shift_l", "s"}, "Win + Shift + S"},
		{[]string{"Key.alt_l", "Key.print_screen"}, "Alt + PrtScn"},
		{[]string{"Key.alt_l", "Key.prtscn"}, "Alt + PrtScn"},
		{[]string{"Key.ctrl_l", "Key.shift_l", "t"}, "Ctrl + Shift + T"},
		{[]string{"Key.ctrl_l", "Key.shift_l", "i"}, "Ctrl + Shift + I"},
	}
	sort.SliceStable(s, func(i, j int) bool { return len(s[i].keys) > len(s[j].keys) })
	return s
}()

// CanonicalKey applies name canonicalization and control-code mapping to a
// single raw key name.
func CanonicalKey(key string) string {
	if n := len(key); n >= 3 && key[0] == key[n-1] && (key[0] == '\'' || key[0] == '"') {
		key = key[1 : n-1]
	}
	if c, ok := canonicalNames[key]; ok {
		return c
	}
	if c, ok := ctrlNames[key]; ok {
		return c
	}
	return key
}

// DisplayKey relabels named keys to their display form.
func DisplayKey(key string) string {
	if r, ok := renames[key]; ok {
		return r
	}
	return key
}

// Normalize canonicalizes names, collapses multi-key shortcuts and
// relabels named keys. The input is not modified.
func Normalize(events []keystroke.KeyEvent) []keystroke.KeyEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]keystroke.KeyEvent, len(events))
	for i, ev := range events {
		ev.Key = CanonicalKey(ev.Key)
		out[i] = ev
	}
	out = collapseShortcuts(out)
	for i := range out {
		out[i].Key = DisplayKey(out[i].Key)
	}
	return out
}

// collapseShortcuts walks events in press order. At each position the
// longest shortcut whose keys are all pressed before the first key is
// released replaces them; otherwise the first pending key is emitted.
func collapseShortcuts(events []keystroke.KeyEvent) []keystroke.KeyEvent {
	byPress := make([]keystroke.KeyEvent, len(events))
	copy(byPress, events)
	sort.SliceStable(byPress, func(i, j int) bool { return byPress[i].Press.Before(byPress[j].Press) })

	out := make([]keystroke.KeyEvent, 0, len(byPress))
	for i := 0; i < len(byPress); {
		if sc, ok := matchShortcut(byPress[i:]); ok {
			n := len(sc.keys)
			collapsed := byPress[i]
			collapsed.Key = sc.name
			for _, ev := range byPress[i+1 : i+n] {
				if ev.Release.After(collapsed.Release) {
					collapsed.Release = ev.Release
				}
			}
			out = append(out, collapsed)
			i += n
			continue
		}
		out = append(out, byPress[i])
		i++
	}
	return out
}

func matchShortcut(pending []keystroke.KeyEvent) (shortcut, bool) {
	for _, sc := range shortcuts {
		if len(sc.keys) > len(pending) {
			continue
		}
		ok := true
		for k, want := range sc.keys {
			ev := pending[k]
			if !keyMatches(want, ev.Key) || (k > 0 && ev.Press.After(pending[0].Release)) {
				ok = false
				break
			}
		}
		if ok {
			return sc, true
		}
	}
	return shortcut{}, false
}

// keyMatches compares a shortcut key with an event key. Single letters match
// either case and their Ctrl-mapped form.
func keyMatches(want, got string) bool {
	if want == got {
		return true
	}
	if len(want) == 1 {
		return strings.EqualFold(want, got) || got == "Ctrl + "+strings.ToUpper(want)
	}
	return false
}
