package command

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/moderation"
)

// OutcomeKind classifies a submitted line.
type OutcomeKind string

const (
	OutcomeNone        OutcomeKind = "none"        // blank input
	OutcomeChat        OutcomeKind = "chat"        // ordinary text for the comms buffer
	OutcomeModeration  OutcomeKind = "moderation"  // dispatch Request
	OutcomeClearBuffer OutcomeKind = "clear"       // wipe the local comms buffer
	OutcomeError       OutcomeKind = "error"       // inline, non-fatal error message
)

// Outcome is the result of submitting the current input.
type Outcome struct {
	Kind    OutcomeKind         `json:"kind"`
	Verb    string              `json:"verb,omitempty"`
	Message string              `json:"message,omitempty"`
	Request *moderation.Request `json:"request,omitempty"`
}

// Submit interprets the current input and resets the interpreter.
func (in *Interpreter) Submit() Outcome {
	raw := in.state.Raw
	in.state = in.evaluate("")
	return in.interpret(raw)
}

// SubmitLine sets the input to raw and submits it.
func (in *Interpreter) SubmitLine(raw string) Outcome {
	in.Input(raw)
	return in.Submit()
}

func (in *Interpreter) interpret(raw string) Outcome {
	if strings.TrimSpace(raw) == "" {
		return Outcome{Kind: OutcomeNone}
	}
	if !strings.HasPrefix(raw, Sigil) {
		return Outcome{Kind: OutcomeChat, Message: raw}
	}

	fields := strings.Fields(strings.TrimPrefix(raw, Sigil))
	if len(fields) == 0 {
		return Outcome{Kind: OutcomeError, Message: "Directive Undefined: " + Sigil}
	}
	verb, ok := in.lookupVerb(fields[0])
	if !ok {
		return Outcome{Kind: OutcomeError, Message: "Directive Undefined: " + fields[0]}
	}

	switch verb.Name {
	case "clear":
		return Outcome{Kind: OutcomeClearBuffer, Verb: verb.Name}
	case "purge":
		return Outcome{Kind: OutcomeClearBuffer, Verb: verb.Name, Message: "Total Buffer Purge Sequence Successful."}
	case "ban":
		return in.interpretBan(fields[1:])
	}
	return Outcome{Kind: OutcomeError, Message: "Directive Undefined: " + fields[0]}
}

func (in *Interpreter) interpretBan(args []string) Outcome {
	if len(args) == 0 {
		return Outcome{Kind: OutcomeError, Verb: "ban", Message: fmt.Sprintf("Syntax Err: %sban [username] [reason]", Sigil)}
	}
	name := strings.TrimPrefix(args[0], "@")
	ident, ok := lo.Find(in.identities, func(i model.Identity) bool { return in.foldEq(i.Username, name) })
	if !ok {
		return Outcome{Kind: OutcomeError, Verb: "ban", Message: "Node Not Found: @" + name}
	}

	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = DefaultBanReason
	}
	return Outcome{
		Kind:    OutcomeModeration,
		Verb:    "ban",
		Message: "Restriction Command Dispatched to @" + ident.Username + ".",
		Request: &moderation.Request{
			TargetRef: ident.ID,
			Action:    model.ActionBan,
			Reason:    reason,
		},
	}
}
