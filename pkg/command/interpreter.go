// Package command parses the operator console's slash-command language and
// drives its autocomplete list.
//
// Grammar:
//
//	command := "/" verb (SP arg)?
//
// Anything that does not start with "/" is ordinary chat text.
package command

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/cases"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// Sigil marks input as a command.
const Sigil = "/"

// DefaultBanReason is used when a ban is submitted without a reason.
const DefaultBanReason = "CLI Master Protocol"

// Mode is the parser state for the current input.
type Mode int

const (
	ModeIdle  Mode = iota // not a command
	ModeVerb              // completing the verb
	ModeArg               // completing the identity argument
	ModeOther             // any other command shape; no suggestions
)

func (m Mode) String() string {
	switch m {
	case ModeVerb:
		return "verb"
	case ModeArg:
		return "arg"
	case ModeOther:
		return "other"
	default:
		return "idle"
	}
}

// Verb is one recognised command.
type Verb struct {
	Name     string
	TakesArg bool
	Help     string
}

// DefaultVerbs is the console's command set.
var DefaultVerbs = []Verb{
	{Name: "ban", TakesArg: true, Help: "Restrict an identity"},
	{Name: "purge", Help: "Total buffer wipe"},
	{Name: "clear", Help: "Local console reset"},
}

// Suggestion is one autocomplete candidate.
type Suggestion struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Detail      string `json:"detail,omitempty"`
	IdentityRef string `json:"identity_ref,omitempty"`
}

// State is the parser output for one input event.
type State struct {
	Raw        string       `json:"raw"`
	Mode       Mode         `json:"-"`
	ModeName   string       `json:"mode"`
	Verb       string       `json:"verb,omitempty"`
	Candidates []Suggestion `json:"candidates"`
	Selected   int          `json:"selected"`
	Open       bool         `json:"open"`
}

// Highlighted returns the selected candidate, if the list is open.
func (s State) Highlighted() (Suggestion, bool) {
	if !s.Open || s.Selected < 0 || s.Selected >= len(s.Candidates) {
		return Suggestion{}, false
	}
	return s.Candidates[s.Selected], true
}

// Interpreter holds the input state of one operator's command line.
// It is not safe for concurrent use.
type Interpreter struct {
	verbs      []Verb
	identities []model.Identity
	fold       cases.Caser
	state      State
}

// New creates an interpreter over DefaultVerbs.
func New(identities []model.Identity) *Interpreter {
	in := &Interpreter{
		verbs: DefaultVerbs,
		fold:  cases.Fold(),
	}
	in.SetIdentities(identities)
	in.state = in.evaluate("")
	return in
}

// SetIdentities replaces the identities offered as ban targets. Order is kept.
func (in *Interpreter) SetIdentities(identities []model.Identity) {
	in.identities = append([]model.Identity(nil), identities...)
}

// State returns the current parser state.
func (in *Interpreter) State() State {
	return in.state
}

// Input re-evaluates the parser for a new raw input.
func (in *Interpreter) Input(raw string) State {
	in.state = in.evaluate(raw)
	return in.state
}

func (in *Interpreter) foldEq(a, b string) bool {
	return in.fold.String(a) == in.fold.String(b)
}

func (in *Interpreter) lookupVerb(name string) (Verb, bool) {
	return lo.Find(in.verbs, func(v Verb) bool { return in.foldEq(v.Name, name) })
}

func (in *Interpreter) evaluate(raw string) (st State) {
	st = State{Raw: raw, Mode: ModeIdle}
	defer func() { st.ModeName = st.Mode.String() }()

	if !strings.HasPrefix(raw, Sigil) {
		return st
	}
	body := raw[len(Sigil):]

	sp := strings.IndexByte(body, ' ')
	if sp < 0 {
		st.Mode = ModeVerb
		partial := in.fold.String(body)
		matches := lo.Filter(in.verbs, func(v Verb, _ int) bool {
			return strings.HasPrefix(in.fold.String(v.Name), partial)
		})
		st.Candidates = lo.Map(matches, func(v Verb, _ int) Suggestion {
			return Suggestion{Label: v.Name, Value: v.Name, Detail: v.Help}
		})
		st.Open = len(st.Candidates) > 0
		return st
	}

	verb, ok := in.lookupVerb(body[:sp])
	rest := body[sp+1:]
	if !ok {
		st.Mode = ModeOther
		return st
	}
	st.Verb = verb.Name
	if !verb.TakesArg || strings.Contains(rest, " ") {
		st.Mode = ModeOther
		return st
	}

	st.Mode = ModeArg
	partial := in.fold.String(rest)
	matches := lo.Filter(in.identities, func(ident model.Identity, _ int) bool {
		return strings.Contains(in.fold.String(ident.Username), partial)
	})
	st.Candidates = lo.Map(matches, func(ident model.Identity, _ int) Suggestion {
		return Suggestion{Label: ident.Username, Value: ident.Username, Detail: ident.Email, IdentityRef: ident.ID}
	})
	st.Open = len(st.Candidates) > 0
	return st
}
