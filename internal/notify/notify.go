// Package notify defines the outbound side of the human channel: interactive
// prompts, one-way alerts and receipt acknowledgements.
package notify

import "context"

type Kind string

const (
	KindTaskComplete      Kind = "task_complete"
	KindPermissionRequest Kind = "permission_request"
	KindToolFailure       Kind = "tool_failure"
	KindDangerBlocked     Kind = "danger_blocked"
	KindDangerConfirm     Kind = "danger_confirm"
	KindSessionPicker     Kind = "session_picker"
)

type Field struct {
	Label string
	Value string
}

// Button is rendered as a card button. Its values come back verbatim in the
// corresponding button action.
type Button struct {
	Label     string
	Action    string
	RequestID string
	Machine   string
	Session   string
	Primary   bool
	Danger    bool
}

type Prompt struct {
	Kind      Kind
	RequestID string
	Title     string
	Cwd       string
	SessionID string
	Fields    []Field
	Buttons   []Button
	// WithInput adds a free-text box submitted with the "message" button.
	WithInput bool
}

type Alert struct {
	Kind   Kind
	Cwd    string
	Detail string
	Fields []Field
}

type AckKind string

const (
	AckAllow   AckKind = "allow"
	AckDeny    AckKind = "deny"
	AckMessage AckKind = "message"
	AckQueued  AckKind = "queued"
)

// Emoji maps an acknowledgement to a reaction type.
func Emoji(kind AckKind) string {
	switch kind {
	case AckAllow:
		return "OK"
	case AckDeny:
		return "CrossMark"
	case AckQueued:
		return "OnIt"
	default:
		return "DONE"
	}
}

type Channel interface {
	// SendInteractivePrompt delivers a prompt and returns the channel's id for
	// the delivered message.
	SendInteractivePrompt(ctx context.Context, p Prompt) (string, error)
	SendPlainAlert(ctx context.Context, a Alert) error
	Acknowledge(ctx context.Context, messageID string, kind AckKind) error
}

// KindForHookEvent picks the alert kind for a hook event name.
func KindForHookEvent(event string) Kind {
	switch event {
	case "Notification", "PermissionRequest", "PreToolUse":
		return KindPermissionRequest
	case "PostToolUseFailure":
		return KindToolFailure
	default:
		return KindTaskComplete
	}
}
