package keystroke

import "fmt"

// Modifiers is the modifier state at the time of a key press.
type Modifiers struct {
	Shift bool
	Ctrl  bool
	Alt   bool
	Meta  bool
	Caps  bool
}

type keyDef struct {
	base, shifted string
	// ctrl is the name produced while Ctrl is held, if any.
	ctrl string
}

// evdev key codes from linux/input-event-codes.h, US layout.
var printable = map[uint16]keyDef{
	2: {"1", "!", "<49>"}, 3: {"2", "@", "<50>"}, 4: {"3", "#", "<51>"},
	5: {"4", "$", "<52>"}, 6: {"5", "%", "<53>"}, 7: {"6", "^", "<54>"},
	8: {"7", "&", "<55>"}, 9: {"8", "*", "<56>"}, 10: {"9", "(", "<57>"},
	11: {"0", ")", "<48>"},
	12: {"-", "_", "<189>"}, 13: {"=", "+", "<187>"},
	26: {"[", "{", "\x1b"}, 27: {"]", "}", "\x1d"},
	39: {";", ":", "<186>"}, 40: {"'", "\"", "<222>"}, 41: {"`", "~", "<192>"},
	43: {"\\", "|", "\x1c"},
	51: {",", "<", "<188>"}, 52: {".", ">", "<190>"}, 53: {"/", "?", "<191>"},
}

var letters = map[uint16]byte{
	16: 'q', 17: 'w', 18: 'e', 19: 'r', 20: 't', 21: 'y', 22: 'u', 23: 'i', 24: 'o', 25: 'p',
	30: 'a', 31: 's', 32: 'd', 33: 'f', 34: 'g', 35: 'h', 36: 'j', 37: 'k', 38: 'l',
	44: 'z', 45: 'x', 46: 'c', 47: 'v', 48: 'b', 49: 'n', 50: 'm',
}

var named = map[uint16]string{
	1: "Key.esc", 14: "Key.backspace", 15: "Key.tab", 28: "Key.enter",
	29: "Key.ctrl_l", 42: "Key.shift", 54: "Key.shift_r", 56: "Key.alt_l",
	57: "Key.space", 58: "Key.caps_lock",
	59: "Key.f1", 60: "Key.f2", 61: "Key.f3", 62: "Key.f4", 63: "Key.f5",
	64: "Key.f6", 65: "Key.f7", 66: "Key.f8", 67: "Key.f9", 68: "Key.f10",
	87: "Key.f11", 88: "Key.f12",
	69: "Key.num_lock", 70: "Key.scroll_lock", 96: "Key.enter",
	97: "Key.ctrl_r", 99: "Key.print_screen", 100: "Key.alt_gr",
	102: "Key.home", 103: "Key.up", 104: "Key.page_up", 105: "Key.left",
	106: "Key.right", 107: "Key.end", 108: "Key.down", 109: "Key.page_down",
	110: "Key.insert", 111: "Key.delete", 119: "Key.pause",
	113: "Key.media_volume_mute", 114: "Key.media_volume_down", 115: "Key.media_volume_up",
	163: "Key.media_next", 164: "Key.media_play_pause", 165: "Key.media_previous",
	125: "Key.cmd", 126: "Key.cmd_r", 127: "Key.menu",
}

// modifierBit maps modifier key codes to the state they toggle.
func modifierBit(code uint16, m *Modifiers) *bool {
	switch code {
	case 42, 54:
		return &m.Shift
	case 29, 97:
		return &m.Ctrl
	case 56, 100:
		return &m.Alt
	case 125, 126:
		return &m.Meta
	}
	return nil
}

// KeyName returns the canonical raw name of an evdev key code under the
// given modifier state.
func KeyName(code uint16, m Modifiers) string {
	if c, ok := letters[code]; ok {
		switch {
		case m.Ctrl:
			return string(rune(c - 'a' + 1))
		case m.Shift != m.Caps:
			return string(rune(c - 'a' + 'A'))
		default:
			return string(rune(c))
		}
	}
	if d, ok := printable[code]; ok {
		switch {
		case m.Ctrl:
			return d.ctrl
		case m.Shift:
			return d.shifted
		default:
			return d.base
		}
	}
	if n, ok := named[code]; ok {
		return n
	}
	return fmt.Sprintf("Key.code_%d", code)
}
