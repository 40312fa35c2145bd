package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/dispatch"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/queue"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
)

// Runner carries what every hook flow needs.
type Runner struct {
	Config   *config.Config
	Mailbox  *ipc.Mailbox
	Queue    *queue.Queue
	Registry *registry.Registry
	Channel  notify.Channel
	Machine  string
	Home     string
	// DaemonRunning decides between the interactive and the degraded path.
	DaemonRunning func() bool
}

// NewRunner opens the stores under the configured IPC directory.
func NewRunner(cfg *config.Config, ch notify.Channel) (*Runner, error) {
	mb, err := ipc.Open(cfg.IPCDirectory())
	if err != nil {
		return nil, err
	}
	home, _ := os.UserHomeDir()
	pidPath := cfg.PIDPath()
	return &Runner{
		Config:        cfg,
		Mailbox:       mb,
		Queue:         queue.New(cfg.IPCDirectory()),
		Registry:      registry.New(cfg.IPCDirectory()),
		Channel:       ch,
		Machine:       cfg.Machine(),
		Home:          home,
		DaemonRunning: func() bool { return dispatch.IsRunning(pidPath) },
	}, nil
}

func (r *Runner) register(in Input) {
	if in.SessionID == "" {
		return
	}
	_, err := r.Registry.Register(registry.Session{
		MachineID: r.Machine,
		SessionID: in.SessionID,
		Cwd:       in.Dir(),
		PID:       os.Getppid(),
	})
	if err != nil {
		log.Printf("Failed to register session: %v", err)
	}
}

func (r *Runner) alert(ctx context.Context, a notify.Alert) {
	if r.Channel == nil {
		return
	}
	if err := r.Channel.SendPlainAlert(ctx, a); err != nil {
		log.Printf("Failed to send alert: %v", err)
	}
}

// prompt writes the request, sends the card and polls. A send failure is
// logged but the poll still runs: the operator can answer by text.
func (r *Runner) prompt(ctx context.Context, req ipc.Request, p notify.Prompt, timeout time.Duration) (*ipc.Response, bool) {
	id := ipc.NewRequestID()
	req.MachineID = r.Machine
	if err := r.Mailbox.WriteRequest(id, req); err != nil {
		log.Printf("Failed to write request: %v", err)
		return nil, false
	}
	p.RequestID = id
	if r.Channel != nil {
		msgID, err := r.Channel.SendInteractivePrompt(ctx, p)
		if err != nil {
			log.Printf("Failed to send prompt: %v", err)
		} else if msgID != "" {
			r.Mailbox.UpdateRequest(id, map[string]any{"messageId": msgID})
		}
	}
	return r.Mailbox.PollResponse(ctx, id, ipc.PollOptions{
		Timeout:  timeout,
		Interval: ms(r.Config.Hooks.PollIntervalMs),
	})
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Guard blocks commands matching a dangerous pattern unless the operator
// allows them in time. Without a daemon it blocks unconditionally.
func (r *Runner) Guard(ctx context.Context, in Input) Result {
	command := in.ToolInput.Command
	if command == "" {
		return allow()
	}
	pattern, ok := MatchDanger(command, r.Config.DangerousPatterns, r.Home)
	if !ok {
		return allow()
	}
	r.register(in)

	fields := []notify.Field{{Label: "命令", Value: command}, {Label: "匹配规则", Value: pattern}}
	if !r.DaemonRunning() {
		if in.SessionID != "" {
			fields = append(fields, notify.Field{Label: "会话ID", Value: in.SessionID})
		}
		r.alert(ctx, notify.Alert{Kind: notify.KindDangerBlocked, Cwd: in.Dir(), Fields: fields})
		return block(fmt.Sprintf("已拦截危险命令: %q (匹配规则: %s)", command, pattern))
	}

	resp, ok := r.prompt(ctx, ipc.Request{
		Type:      ipc.RequestDanger,
		SessionID: in.SessionID,
		HookEvent: "PreToolUse",
		Cwd:       in.Dir(),
		Command:   command,
		Pattern:   pattern,
	}, notify.Prompt{
		Kind:      notify.KindDangerConfirm,
		Title:     "⚠️ 检测到危险命令",
		Cwd:       in.Dir(),
		SessionID: in.SessionID,
		Fields:    fields,
		Buttons:   allowDenyButtons(),
	}, ms(r.Config.Hooks.DangerTimeoutMs))

	switch {
	case ok && resp.Action == ipc.ActionAllow:
		return allow()
	case ok:
		return block(fmt.Sprintf("用户通过飞书拒绝了此危险命令: %q", command))
	default:
		return block(fmt.Sprintf("危险命令确认超时，已自动拦截: %q", command))
	}
}

func allowDenyButtons() []notify.Button {
	return []notify.Button{
		{Label: "✅ 允许", Action: string(ipc.ActionAllow), Primary: true},
		{Label: "❌ 拒绝", Action: string(ipc.ActionDeny), Danger: true},
	}
}

func stopButtons() []notify.Button {
	return []notify.Button{
		{Label: "📤 发送指令", Action: string(ipc.ActionMessage), Primary: true},
		{Label: "🔚 结束会话", Action: string(ipc.ActionDismiss)},
	}
}

// injected asks the host to keep going with content as the next instruction.
func injected(content string) Result {
	out, _ := json.Marshal(map[string]string{
		"decision": "block",
		"reason":   "用户通过飞书下达新指令: " + content,
	})
	return Result{Stdout: string(out)}
}

// Interactive handles Stop and permission hooks. A queued instruction for
// this session wins over a round trip through the channel.
func (r *Runner) Interactive(ctx context.Context, in Input) Result {
	if in.StopHookActive {
		return allow()
	}
	r.register(in)
	event := in.Event()
	isStop := event == "Stop"

	if in.SessionID != "" {
		if msg, ok := r.Queue.Dequeue(r.Machine, in.SessionID); ok {
			log.Printf("Delivering queued message %s to session %s", msg.ID, in.SessionID)
			return queuedResult(isStop, msg.Content)
		}
	}

	if !r.DaemonRunning() {
		r.alert(ctx, notify.Alert{Kind: notify.KindForHookEvent(event), Cwd: in.Dir(), Fields: alertFields(in)})
		return allow()
	}

	req := ipc.Request{Type: ipc.RequestPermission, SessionID: in.SessionID, HookEvent: event, Cwd: in.Dir()}
	p := notify.Prompt{Cwd: in.Dir(), SessionID: in.SessionID}
	timeout := ms(r.Config.Hooks.PermissionTimeoutMs)
	if isStop {
		req.Type = ipc.RequestStop
		p.Kind = notify.KindTaskComplete
		p.WithInput = true
		p.Buttons = stopButtons()
		if in.LastAssistantMessage != "" {
			p.Fields = append(p.Fields, notify.Field{Label: "Claude 回复", Value: in.LastAssistantMessage})
		}
		timeout = ms(r.Config.Hooks.StopTimeoutMs)
	} else {
		p.Kind = notify.KindPermissionRequest
		p.Title = in.Title
		p.Buttons = allowDenyButtons()
		if in.NotificationType != "" {
			p.Fields = append(p.Fields, notify.Field{Label: "通知类型", Value: in.NotificationType})
		}
		if in.Message != "" {
			p.Fields = append(p.Fields, notify.Field{Label: "内容", Value: in.Message})
		}
	}

	resp, ok := r.prompt(ctx, req, p, timeout)
	if !ok {
		// Timeout: silent for Stop, implicit deny for permission.
		if isStop {
			return allow()
		}
		return block("飞书确认超时，已拒绝此操作")
	}
	return responseResult(isStop, resp)
}

func queuedResult(isStop bool, content string) Result {
	if isStop {
		return injected(content)
	}
	switch dispatch.ResolveKeyword(content) {
	case ipc.ActionAllow:
		return allow()
	case ipc.ActionDeny:
		return block("用户通过飞书拒绝了此操作")
	default:
		return block("用户通过飞书下达新指令: " + content)
	}
}

func responseResult(isStop bool, resp *ipc.Response) Result {
	if isStop {
		if resp.Action == ipc.ActionMessage && resp.Content != "" {
			return injected(resp.Content)
		}
		return allow()
	}
	switch resp.Action {
	case ipc.ActionAllow:
		return allow()
	case ipc.ActionDeny:
		return block("用户通过飞书拒绝了此操作")
	case ipc.ActionMessage:
		if resp.Content != "" {
			return block("用户通过飞书下达新指令: " + resp.Content)
		}
	}
	return allow()
}

func alertFields(in Input) []notify.Field {
	var fields []notify.Field
	if in.SessionID != "" {
		fields = append(fields, notify.Field{Label: "会话ID", Value: in.SessionID})
	}
	switch in.Event() {
	case "PostToolUseFailure":
		tool := in.ToolName
		if tool == "" {
			tool = "unknown"
		}
		fields = append(fields, notify.Field{Label: "工具", Value: tool})
	case "Notification":
		if in.NotificationType != "" {
			fields = append(fields, notify.Field{Label: "通知类型", Value: in.NotificationType})
		}
		if in.Message != "" {
			fields = append(fields, notify.Field{Label: "内容", Value: in.Message})
		}
	case "Stop":
		if in.LastAssistantMessage != "" {
			fields = append(fields, notify.Field{Label: "Claude 回复", Value: in.LastAssistantMessage})
		}
	}
	return fields
}

// Notify sends a one-way alert for the event. It never blocks the host.
func (r *Runner) Notify(ctx context.Context, in Input) Result {
	r.register(in)
	r.alert(ctx, notify.Alert{Kind: notify.KindForHookEvent(in.Event()), Cwd: in.Dir(), Fields: alertFields(in)})
	return allow()
}
