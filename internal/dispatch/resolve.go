// Package dispatch resolves human actions from the chat channel against
// pending hook requests and hosts the long-running daemon.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/queue"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
)

type Outcome string

const (
	OutcomeResponded Outcome = "responded"
	OutcomeRouted    Outcome = "routed"
	OutcomeQueued    Outcome = "queued"
	OutcomePicker    Outcome = "picker"
	OutcomeDropped   Outcome = "dropped"
	OutcomeIgnored   Outcome = "ignored"
)

type Result struct {
	Outcome   Outcome
	RequestID string
	Action    ipc.Action
	Queued    *queue.Message
}

type Resolver struct {
	mailbox  *ipc.Mailbox
	queue    *queue.Queue
	registry *registry.Registry
	channel  notify.Channel
	selector PendingSelector
}

// NewResolver wires the stores together. channel may be nil, in which case
// pickers and acknowledgements are skipped.
func NewResolver(mb *ipc.Mailbox, q *queue.Queue, reg *registry.Registry, ch notify.Channel) *Resolver {
	return &Resolver{
		mailbox:  mb,
		queue:    q,
		registry: reg,
		channel:  ch,
		selector: LatestPending{},
	}
}

func (r *Resolver) WithSelector(s PendingSelector) *Resolver {
	r.selector = s
	return r
}

func (r *Resolver) Handle(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case ButtonAction:
		return r.handleButton(e)
	case TextMessage:
		return r.handleText(ctx, e)
	default:
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (r *Resolver) handleButton(ev ButtonAction) (Result, error) {
	if ev.Action == ipc.ActionRoute {
		routed, ok, err := r.queue.Route(ev.TargetMachine, ev.TargetSession)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			log.Printf("Route to %s/%s requested but no unrouted message is waiting", ev.TargetMachine, ev.TargetSession)
			return Result{Outcome: OutcomeDropped}, nil
		}
		log.Printf("Routed queued message %s to %s/%s", routed.ID, ev.TargetMachine, ev.TargetSession)
		return Result{Outcome: OutcomeRouted, Queued: routed}, nil
	}
	if ev.Action == "" {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	target, ok := r.selector.Select(r.mailbox.ListPendingRequests(), ev.RequestID)
	if !ok {
		log.Printf("Card action %s for %s but nothing is pending", ev.Action, ev.RequestID)
		return Result{Outcome: OutcomeDropped}, nil
	}

	resp := ipc.Response{Action: ev.Action, OperatorID: operator(ev.OperatorID)}
	if ev.Action == ipc.ActionMessage {
		resp.Content = ev.Content
	}
	if err := r.mailbox.WriteResponse(target.RequestID, resp); err != nil {
		return Result{}, err
	}
	log.Printf("Card action: %s for %s by %s", ev.Action, target.RequestID, resp.OperatorID)
	return Result{Outcome: OutcomeResponded, RequestID: target.RequestID, Action: ev.Action}, nil
}

var indexPrefix = regexp.MustCompile(`(?s)^(\d+)\s+(.+)$`)

func (r *Resolver) handleText(ctx context.Context, msg TextMessage) (Result, error) {
	if !msg.Eligible() {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	sender := operator(msg.SenderID)
	action := ResolveKeyword(text)

	if target, ok := r.selector.Select(r.mailbox.ListPendingRequests(), ""); ok {
		resp := ipc.Response{Action: action, OperatorID: sender}
		if action == ipc.ActionMessage {
			resp.Content = text
		}
		if err := r.mailbox.WriteResponse(target.RequestID, resp); err != nil {
			return Result{}, err
		}
		log.Printf("Message %q -> action:%s matched to %s by %s", text, action, target.RequestID, sender)
		r.acknowledge(ctx, msg.MessageID, notify.AckKind(action))
		return Result{Outcome: OutcomeResponded, RequestID: target.RequestID, Action: action}, nil
	}

	sessions := r.registry.ListActive()
	switch len(sessions) {
	case 0:
		log.Printf("Message from %s but no pending requests or active sessions: %q", sender, text)
		return Result{Outcome: OutcomeDropped}, nil
	case 1:
		return r.enqueueFor(ctx, msg, sessions[0], text, sender)
	}

	if m := indexPrefix.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(sessions) {
			return r.enqueueFor(ctx, msg, sessions[n-1], strings.TrimSpace(m[2]), sender)
		}
	}

	queued, err := r.queue.Enqueue(queue.Message{Content: text, Action: string(ipc.ActionMessage), SenderID: sender})
	if err != nil {
		return Result{}, err
	}
	log.Printf("Message from %s queued unrouted, %d sessions active", sender, len(sessions))
	r.sendPicker(ctx, text, sessions)
	r.acknowledge(ctx, msg.MessageID, notify.AckQueued)
	return Result{Outcome: OutcomePicker, Queued: &queued}, nil
}

func (r *Resolver) enqueueFor(ctx context.Context, msg TextMessage, s registry.Session, content, sender string) (Result, error) {
	queued, err := r.queue.Enqueue(queue.Message{
		TargetMachine: s.MachineID,
		TargetSession: s.SessionID,
		Content:       content,
		Action:        string(ipc.ActionMessage),
		SenderID:      sender,
	})
	if err != nil {
		return Result{}, err
	}
	log.Printf("Message from %s queued for %s/%s", sender, s.MachineID, s.SessionID)
	r.acknowledge(ctx, msg.MessageID, notify.AckQueued)
	return Result{Outcome: OutcomeQueued, Queued: &queued}, nil
}

// PickerPrompt lists sessions with the same 1-based indices accepted as a
// "<n> text" prefix.
func PickerPrompt(text string, sessions []registry.Session) notify.Prompt {
	p := notify.Prompt{
		Kind:   notify.KindSessionPicker,
		Title:  "选择要发送到的会话",
		Fields: []notify.Field{{Label: "消息", Value: text}},
	}
	for i, s := range sessions {
		p.Buttons = append(p.Buttons, notify.Button{
			Label:   fmt.Sprintf("%d. %s (%s)", i+1, filepath.Base(s.Cwd), shortID(s.SessionID)),
			Action:  string(ipc.ActionRoute),
			Machine: s.MachineID,
			Session: s.SessionID,
		})
	}
	return p
}

func (r *Resolver) sendPicker(ctx context.Context, text string, sessions []registry.Session) {
	if r.channel == nil {
		return
	}
	if _, err := r.channel.SendInteractivePrompt(ctx, PickerPrompt(text, sessions)); err != nil {
		log.Printf("Failed to send session picker: %v", err)
	}
}

func (r *Resolver) acknowledge(ctx context.Context, messageID string, kind notify.AckKind) {
	if r.channel == nil || messageID == "" {
		return
	}
	if err := r.channel.Acknowledge(ctx, messageID, kind); err != nil {
		log.Printf("Reaction failed: %v", err)
	}
}

func operator(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
