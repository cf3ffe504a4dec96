package console

import (
	"context"

	"github.com/NicolasHaas/nexusconsole/pkg/command"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/moderation"
)

// Dispatch is what became of one submitted command line.
type Dispatch struct {
	Outcome command.Outcome    `json:"outcome"`
	Result  *moderation.Result `json:"result,omitempty"`
	Message *model.Message     `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Interpreter returns a command interpreter over the current identities.
func (c *Console) Interpreter(ctx context.Context) (*command.Interpreter, error) {
	identities, err := c.Identities(ctx)
	if err != nil {
		return nil, err
	}
	return command.New(identities), nil
}

// Dispatch carries out an interpreter outcome on behalf of actor. Chat lines
// are stored as messages from the operator; ban commands go through the
// moderation executor with the standard duration.
func (c *Console) Dispatch(ctx context.Context, actor moderation.Actor, out command.Outcome) Dispatch {
	d := Dispatch{Outcome: out}
	switch out.Kind {
	case command.OutcomeChat:
		msg := &model.Message{SenderRef: actor.Ref, Body: out.Message}
		if err := c.store.CreateMessage(ctx, msg); err != nil {
			c.logger.Warn("comms message not stored", "err", err)
			d.Error = err.Error()
			return d
		}
		d.Message = msg

	case command.OutcomeModeration:
		c.metrics.CommandsSubmitted.Add(1)
		res, err := c.executor.Execute(ctx, *out.Request, actor)
		if err != nil {
			d.Error = err.Error()
			return d
		}
		c.sync(ctx)
		d.Result = &res

	case command.OutcomeClearBuffer, command.OutcomeError:
		c.metrics.CommandsSubmitted.Add(1)
	}
	return d
}
