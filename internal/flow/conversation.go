package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReelPipe/internal/dispatch"
)

// Sender delivers replies to a user.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to, caption, mediaURL string) error
}

// JobDispatcher accepts generation jobs without blocking.
type JobDispatcher interface {
	Dispatch(job dispatch.Job) error
}

// Conversation runs the Machine and executes its actions.
type Conversation struct {
	machine    *Machine
	sender     Sender
	dispatcher JobDispatcher
}

// NewConversation creates a Conversation.
func NewConversation(machine *Machine, sender Sender, dispatcher JobDispatcher) *Conversation {
	return &Conversation{machine: machine, sender: sender, dispatcher: dispatcher}
}

// Handle processes one inbound message. Delivery errors are logged, not returned.
func (c *Conversation) Handle(ctx context.Context, userID, text string) error {
	actions, err := c.machine.HandleMessage(ctx, userID, text)
	if err != nil {
		return err
	}
	for _, action := range actions {
		c.execute(ctx, userID, action)
	}
	return nil
}

func (c *Conversation) execute(ctx context.Context, userID string, action Action) {
	switch a := action.(type) {
	case SendText:
		if err := c.sender.SendMessage(ctx, userID, a.Body); err != nil {
			slog.Error("Conversation.execute: send text failed", "error", err, "userID", userID)
		}
	case SendMedia:
		if err := c.sender.SendMedia(ctx, userID, a.Caption, a.URL); err != nil {
			slog.Error("Conversation.execute: send media failed", "error", err, "userID", userID)
		}
	case StartGeneration:
		job := dispatch.Job{
			ID:             a.JobID,
			UserID:         userID,
			Prompt:         a.Prompt,
			EnhancedPrompt: a.EnhancedPrompt,
			Style:          a.Style,
		}
		if err := c.dispatcher.Dispatch(job); err != nil {
			// The dispatcher already apologized and released the user.
			slog.Warn("Conversation.execute: dispatch rejected", "error", err, "userID", userID, "jobID", a.JobID)
		}
	default:
		slog.Error("Conversation.execute: unknown action", "type", action)
	}
}
