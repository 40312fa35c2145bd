// Package hook implements the Claude Code hook commands: guard (dangerous
// command interception), interactive (Stop and permission prompts answered
// from Feishu) and notify (one-way alerts).
package hook

import (
	"encoding/json"
	"io"
	"os"
	"strings"
)

// Input is the JSON document the host tool writes to the hook's stdin.
type Input struct {
	HookEventName        string `json:"hook_event_name"`
	SessionID            string `json:"session_id"`
	Cwd                  string `json:"cwd"`
	TranscriptPath       string `json:"transcript_path"`
	Message              string `json:"message"`
	Title                string `json:"title"`
	NotificationType     string `json:"notification_type"`
	LastAssistantMessage string `json:"last_assistant_message"`
	ToolName             string `json:"tool_name"`
	StopHookActive       bool   `json:"stop_hook_active"`
	ToolInput            struct {
		Command string `json:"command"`
	} `json:"tool_input"`
}

// ReadInput decodes r. Empty or malformed input yields a zero Input, since a
// hook must never fail the host tool over its own plumbing.
func ReadInput(r io.Reader) Input {
	var in Input
	data, err := io.ReadAll(io.LimitReader(r, 8<<20))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return in
	}
	_ = json.Unmarshal(data, &in)
	return in
}

func (in Input) Event() string {
	if in.HookEventName == "" {
		return "Stop"
	}
	return in.HookEventName
}

func (in Input) Dir() string {
	if in.Cwd != "" {
		return in.Cwd
	}
	wd, _ := os.Getwd()
	return wd
}

// Result is what the hook process reports back: an exit code, optional
// stdout JSON and an optional stderr reason.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func allow() Result { return Result{} }

func block(reason string) Result {
	return Result{ExitCode: 2, Stderr: reason}
}
