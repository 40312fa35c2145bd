package dispatch

import "github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"

// Event is a human action delivered by the channel. The set is closed:
// ButtonAction and TextMessage.
type Event interface {
	isEvent()
}

// ButtonAction is a click on a card button, optionally carrying the card's
// text input.
type ButtonAction struct {
	Action     ipc.Action
	RequestID  string
	OperatorID string
	Content    string
	// Route target, only set on session-picker buttons.
	TargetMachine string
	TargetSession string
}

// TextMessage is free text sent to the bot.
type TextMessage struct {
	Text      string
	SenderID  string
	MessageID string
	ChatType  string
	Mentioned bool
}

func (ButtonAction) isEvent() {}
func (TextMessage) isEvent()  {}

// Eligible reports whether the message addresses the bot: direct chats always
// do, group messages only when the bot is mentioned.
func (m TextMessage) Eligible() bool {
	if m.ChatType == "group" {
		return m.Mentioned
	}
	return true
}
