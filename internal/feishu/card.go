package feishu

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/notify"
)

type header struct {
	title    string
	template string
}

var headers = map[notify.Kind]header{
	notify.KindTaskComplete:      {"✅ Claude Code 任务完成", "green"},
	notify.KindPermissionRequest: {"⚠️ Claude Code 需要确认", "yellow"},
	notify.KindToolFailure:       {"❌ Claude Code 工具执行失败", "orange"},
	notify.KindDangerBlocked:     {"🚨 危险命令已拦截", "red"},
	notify.KindDangerConfirm:     {"🚨 危险命令待确认", "red"},
	notify.KindSessionPicker:     {"📨 选择目标会话", "blue"},
}

var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}()

func mdDiv(content string) map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"tag": "lark_md", "content": content},
	}
}

func plain(content string) map[string]any {
	return map[string]any{"tag": "plain_text", "content": content}
}

func infoLines(cwd, sessionID string, fields []notify.Field, now time.Time) string {
	var lines []string
	if cwd != "" {
		lines = append(lines, "**项目目录**: "+cwd)
	}
	lines = append(lines, "**时间**: "+now.In(shanghai).Format("2006/01/02 15:04:05"))
	if sessionID != "" {
		lines = append(lines, "**会话ID**: "+sessionID)
	}
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("**%s**: %s", f.Label, f.Value))
	}
	return strings.Join(lines, "\n")
}

func cardHeader(kind notify.Kind, title string) map[string]any {
	h, ok := headers[kind]
	if !ok {
		h = headers[notify.KindTaskComplete]
	}
	if title != "" {
		h.title = title
	}
	return map[string]any{"title": plain(h.title), "template": h.template}
}

func buttonValue(b notify.Button) map[string]any {
	v := map[string]any{"action": b.Action}
	if b.RequestID != "" {
		v["requestId"] = b.RequestID
	}
	if b.Machine != "" {
		v["targetMachine"] = b.Machine
	}
	if b.Session != "" {
		v["targetSession"] = b.Session
	}
	return v
}

// PromptCard renders an interactive card. Button values carry the request id
// so that a click can be matched back to the pending request.
func PromptCard(p notify.Prompt, now time.Time) map[string]any {
	elements := []any{mdDiv(infoLines(p.Cwd, p.SessionID, p.Fields, now)), map[string]any{"tag": "hr"}}

	if p.WithInput {
		elements = append(elements, map[string]any{
			"tag": "action",
			"actions": []any{map[string]any{
				"tag":         "input",
				"name":        "user_input",
				"placeholder": plain("输入新指令..."),
				"width":       "fill",
			}},
		})
	}

	if len(p.Buttons) > 0 {
		actions := make([]any, 0, len(p.Buttons))
		for _, b := range p.Buttons {
			kind := "default"
			if b.Primary {
				kind = "primary"
			} else if b.Danger {
				kind = "danger"
			}
			if b.RequestID == "" {
				b.RequestID = p.RequestID
			}
			actions = append(actions, map[string]any{
				"tag":   "button",
				"text":  plain(b.Label),
				"type":  kind,
				"value": buttonValue(b),
			})
		}
		elements = append(elements, map[string]any{"tag": "action", "actions": actions})
	}

	switch p.Kind {
	case notify.KindSessionPicker:
		elements = append(elements, mdDiv("💡 也可直接发送 \"序号 指令\"，如 \"2 继续\""))
	case notify.KindTaskComplete:
		elements = append(elements, mdDiv("💬 也可 @机器人 或私聊发送指令"))
	default:
		elements = append(elements, mdDiv("📩 也可 @机器人 回复 \"允许\"/\"拒绝\""))
	}

	return map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"header":   cardHeader(p.Kind, p.Title),
		"elements": elements,
	}
}

// AlertCard renders a one-way notification.
func AlertCard(a notify.Alert, now time.Time) map[string]any {
	fields := a.Fields
	if a.Detail != "" {
		fields = append(append([]notify.Field{}, fields...), notify.Field{Label: "详情", Value: a.Detail})
	}
	return map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"header":   cardHeader(a.Kind, ""),
		"elements": []any{mdDiv(infoLines(a.Cwd, "", fields, now))},
	}
}
