package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/NicolasHaas/nexusconsole/pkg/command"
)

// Terminal is the line-oriented operator comms surface.
//
// A line ending in TAB asks for completion of the text before it; any other
// line is submitted. Lines starting with ':' are terminal controls:
//
//	:login <passcode>   sign in
//	:logout             sign out
//	:session            show the committed session
//	:quit               leave the terminal
type Terminal struct {
	console *Console
	in      io.Reader
	out     io.Writer
	interp  *command.Interpreter
}

// NewTerminal creates a terminal reading from in and writing to out.
func NewTerminal(c *Console, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{console: c, in: in, out: out, interp: command.New(nil)}
}

// Run reads lines until EOF, :quit or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	t.printf("NEXUS COMMS ONLINE. Type :login <passcode> to authenticate.\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if !t.Handle(ctx, line) {
				return nil
			}
		}
	}
}

// Handle processes one input line. It returns false when the terminal should exit.
func (t *Terminal) Handle(ctx context.Context, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, ":") {
		return t.control(ctx, line)
	}

	if err := t.refresh(ctx); err != nil {
		t.printf("!! %v\n", err)
		return true
	}

	if strings.HasSuffix(line, "\t") {
		t.complete(strings.TrimSuffix(line, "\t"))
		return true
	}

	actor, _, err := t.console.Operator(ctx)
	if err != nil {
		t.printf("!! %v\n", err)
		return true
	}
	d := t.console.Dispatch(ctx, actor, t.interp.SubmitLine(line))
	t.report(d)
	return true
}

func (t *Terminal) control(ctx context.Context, line string) bool {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "quit", "exit":
		return false
	case "login":
		if len(fields) < 2 {
			t.printf("!! usage: :login <passcode>\n")
			return true
		}
		snap, err := t.console.Login(ctx, fields[1])
		if err != nil {
			t.printf("!! %v\n", err)
			return true
		}
		t.printSession(sessionResponse(snap, t.console.now()))
	case "logout":
		if _, err := t.console.Logout(ctx); err != nil {
			t.printf("!! %v\n", err)
			return true
		}
		t.printf("-- signed out\n")
	case "session":
		t.printSession(sessionResponse(t.console.Session(ctx), t.console.now()))
	default:
		t.printf("!! unknown control :%s\n", fields[0])
	}
	return true
}

func (t *Terminal) refresh(ctx context.Context) error {
	identities, err := t.console.Identities(ctx)
	if err != nil {
		return err
	}
	t.interp.SetIdentities(identities)
	return nil
}

// complete prints the candidates for raw. A single candidate is applied.
func (t *Terminal) complete(raw string) {
	st := t.interp.Input(raw)
	if !st.Open {
		t.printf("   (no suggestions)\n")
		return
	}
	if len(st.Candidates) == 1 {
		st = t.interp.Apply()
		t.printf("-> %s\n", st.Raw)
		return
	}
	for _, s := range st.Candidates {
		if s.Detail != "" {
			t.printf("   %-16s %s\n", s.Label, s.Detail)
		} else {
			t.printf("   %s\n", s.Label)
		}
	}
}

func (t *Terminal) report(d Dispatch) {
	switch {
	case d.Error != "":
		t.printf("!! %s\n", d.Error)
	case d.Outcome.Kind == command.OutcomeError:
		t.printf("!! %s\n", d.Outcome.Message)
	case d.Outcome.Kind == command.OutcomeClearBuffer:
		t.printf("\033[2J\033[H")
		if d.Outcome.Message != "" {
			t.printf("-- %s\n", d.Outcome.Message)
		}
	case d.Result != nil:
		t.printf("-- %s\n", d.Outcome.Message)
		t.printf("   %s\n", d.Result.Entry.Detail)
	case d.Message != nil:
		t.printf("> %s\n", d.Message.Body)
	}
}

func (t *Terminal) printSession(resp SessionResponse) {
	switch {
	case resp.Session == nil:
		t.printf("-- no operator session\n")
	case resp.Suspension != nil:
		t.printf("!! %s: %s (until %s)\n", resp.Suspension.Title, resp.Suspension.Reason, resp.Suspension.Until)
	default:
		t.printf("-- signed in as %s (%s, %s session)\n", resp.Session.Name, resp.Session.IdentityRef, resp.Session.Source)
	}
}

func (t *Terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}
