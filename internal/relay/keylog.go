package relay

import (
	"fmt"
	"unicode"

	"github.com/rcarmo/rdp-relay/internal/protocol/fastpath"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
)

// Scancode set 1 translation tables for the US layout. Codes without an
// entry in either table are logged by number.
var scancodeLower = map[uint16]rune{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1A: '[', 0x1B: ']',
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l', 0x27: ';',
	0x28: '\'', 0x29: '`', 0x2B: '\\',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm', 0x33: ',', 0x34: '.', 0x35: '/',
	0x39: ' ',
}

var scancodeUpper = map[uint16]rune{
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0A: '(', 0x0B: ')',
	0x0C: '_', 0x0D: '+',
	0x1A: '{', 0x1B: '}',
	0x27: ':', 0x28: '"', 0x29: '~', 0x2B: '|',
	0x33: '<', 0x34: '>', 0x35: '?',
}

var scancodeNames = map[uint16]string{
	0x01: "Escape", 0x0E: "Backspace", 0x0F: "Tab", 0x1C: "Enter",
	0x1D: "Control", 0x38: "Alt", 0x3A: "CapsLock",
	0x3B: "F1", 0x3C: "F2", 0x3D: "F3", 0x3E: "F4", 0x3F: "F5",
	0x40: "F6", 0x41: "F7", 0x42: "F8", 0x43: "F9", 0x44: "F10",
	0x57: "F11", 0x58: "F12",
}

// Extended-flag scancodes cover the navigation cluster and the right-hand
// modifier keys.
var extendedNames = map[uint16]string{
	0x1C: "NumpadEnter", 0x1D: "RightControl", 0x38: "RightAlt",
	0x47: "Home", 0x48: "Up", 0x49: "PageUp", 0x4B: "Left",
	0x4D: "Right", 0x4F: "End", 0x50: "Down", 0x51: "PageDown",
	0x52: "Insert", 0x53: "Delete", 0x5B: "Meta",
}

const (
	scanLeftShift  uint16 = 0x2A
	scanRightShift uint16 = 0x36
	scanCapsLock   uint16 = 0x3A
)

// Keylogger turns keyboard events from either input path into a readable
// keystroke stream. It tracks shift and caps-lock state; everything else is
// stateless. Only key presses produce output.
type Keylogger struct {
	leftShift  bool
	rightShift bool
	caps       bool
}

func (k *Keylogger) shifted() bool {
	return k.leftShift || k.rightShift
}

// translate renders one scancode press with the current modifier state.
func (k *Keylogger) translate(code uint16, extended bool) string {
	if extended {
		if name, ok := extendedNames[code]; ok {
			return "<" + name + ">"
		}

		return fmt.Sprintf("<ext 0x%02X>", code)
	}

	if name, ok := scancodeNames[code]; ok {
		return "<" + name + ">"
	}

	lower, ok := scancodeLower[code]
	if !ok {
		return fmt.Sprintf("<scancode 0x%02X>", code)
	}

	if unicode.IsLetter(lower) {
		if k.shifted() != k.caps {
			return string(unicode.ToUpper(lower))
		}

		return string(lower)
	}

	if k.shifted() {
		if upper, ok := scancodeUpper[code]; ok {
			return string(upper)
		}
	}

	return string(lower)
}

// ObserveScanCode processes one scancode event and returns its rendering,
// or "" for releases and bare modifier presses.
func (k *Keylogger) ObserveScanCode(code uint16, release, extended bool) string {
	if !extended {
		switch code {
		case scanLeftShift:
			k.leftShift = !release

			return ""
		case scanRightShift:
			k.rightShift = !release

			return ""
		case scanCapsLock:
			if !release {
				k.caps = !k.caps
			}

			return ""
		}
	}

	if release {
		return ""
	}

	return k.translate(code, extended)
}

// ObserveUnicode processes one unicode keyboard event.
func (k *Keylogger) ObserveUnicode(code uint16, release bool) string {
	if release || code == 0 {
		return ""
	}

	return string(rune(code))
}

// ObserveSlowPath extracts keystrokes from a slow-path input PDU.
func (k *Keylogger) ObserveSlowPath(events []pdu.SlowPathInputEvent) string {
	var out string

	for i := range events {
		event := &events[i]

		switch {
		case event.IsKeyboard():
			out += k.ObserveScanCode(event.KeyCode, event.IsRelease(), event.IsExtendedKey())
		case event.IsUnicode():
			out += k.ObserveUnicode(event.KeyCode, event.IsRelease())
		}
	}

	return out
}

// ObserveFastPath extracts keystrokes from fast-path input events.
func (k *Keylogger) ObserveFastPath(events []fastpath.InputEvent) string {
	var out string

	for i := range events {
		event := &events[i]

		switch event.Code {
		case fastpath.EventCodeScanCode:
			out += k.ObserveScanCode(uint16(event.KeyCode), event.IsRelease(), event.IsExtendedKey())
		case fastpath.EventCodeUnicode:
			out += k.ObserveUnicode(event.UnicodeCode, event.IsRelease())
		}
	}

	return out
}
