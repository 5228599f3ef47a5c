// Package flow implements the per-user conversation that turns WhatsApp messages into video jobs.
package flow

// Action is a side effect requested by the Machine. The Conversation executes them in order.
type Action interface {
	isAction()
}

// SendText replies with a text message.
type SendText struct {
	Body string
}

// SendMedia replies with hosted media and a caption.
type SendMedia struct {
	URL     string
	Caption string
}

// StartGeneration hands a job to the dispatcher. The user is already in PROCESSING when it is emitted.
type StartGeneration struct {
	JobID          string
	Prompt         string
	EnhancedPrompt string
	Style          string
}

func (SendText) isAction()        {}
func (SendMedia) isAction()       {}
func (StartGeneration) isAction() {}

func reply(body string) []Action {
	return []Action{SendText{Body: body}}
}
