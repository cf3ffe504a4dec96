package command

import "strings"

// Key is a navigation key delivered to the interpreter.
type Key int

const (
	KeyUp Key = iota
	KeyDown
	KeyTab
	KeyEnter
	KeyEscape
)

// ParseKey maps a key name ("up", "down", "tab", "enter", "escape") to a Key.
func ParseKey(name string) (Key, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "up", "arrowup":
		return KeyUp, true
	case "down", "arrowdown":
		return KeyDown, true
	case "tab":
		return KeyTab, true
	case "enter", "return":
		return KeyEnter, true
	case "escape", "esc":
		return KeyEscape, true
	default:
		return 0, false
	}
}

// Key handles a navigation key. While the suggestion list is open, up/down
// move the highlight with wraparound, Tab/Enter apply the highlighted
// candidate and Escape closes the list. With the list closed, Enter submits
// and the outcome is returned; every other key is ignored.
func (in *Interpreter) Key(k Key) (State, *Outcome) {
	if !in.state.Open {
		if k == KeyEnter {
			out := in.Submit()
			return in.state, &out
		}
		return in.state, nil
	}

	n := len(in.state.Candidates)
	switch k {
	case KeyDown:
		in.state.Selected = (in.state.Selected + 1) % n
	case KeyUp:
		in.state.Selected = (in.state.Selected - 1 + n) % n
	case KeyTab, KeyEnter:
		in.Apply()
	case KeyEscape:
		in.state.Open = false
	}
	return in.state, nil
}

// Apply writes the highlighted candidate into the input, replacing only the
// token being completed and appending a space.
func (in *Interpreter) Apply() State {
	sug, ok := in.state.Highlighted()
	if !ok {
		return in.state
	}

	var raw string
	switch in.state.Mode {
	case ModeVerb:
		raw = Sigil + sug.Value + " "
	case ModeArg:
		body := strings.TrimPrefix(in.state.Raw, Sigil)
		verb, _, _ := strings.Cut(body, " ")
		raw = Sigil + verb + " " + sug.Value + " "
	default:
		return in.state
	}

	in.state = in.evaluate(raw)
	return in.state
}
