package dispatch

import (
	"strings"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
)

var keywordActions = map[string]ipc.Action{
	"允许":  ipc.ActionAllow,
	"同意":  ipc.ActionAllow,
	"执行":  ipc.ActionAllow,
	"放行":  ipc.ActionAllow,
	"y":   ipc.ActionAllow,
	"yes": ipc.ActionAllow,
	"ok":  ipc.ActionAllow,
	"拒绝":  ipc.ActionDeny,
	"禁止":  ipc.ActionDeny,
	"取消":  ipc.ActionDeny,
	"n":   ipc.ActionDeny,
	"no":  ipc.ActionDeny,
}

// ResolveKeyword maps a reply to allow or deny; anything else is a message.
func ResolveKeyword(text string) ipc.Action {
	if action, ok := keywordActions[strings.ToLower(strings.TrimSpace(text))]; ok {
		return action
	}
	return ipc.ActionMessage
}
