package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// isolate points every path the CLI touches at temp dirs and returns the
// config file path.
func isolate(t *testing.T, configYAML string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CLAUDE_HOOKS_FEISHU_HOME", home)
	t.Setenv("CLAUDE_HOOKS_FEISHU_IPC_DIR", filepath.Join(home, "ipc"))
	t.Setenv("CLAUDE_HOOKS_MACHINE_ID", "test-machine")
	path := filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "", "version")
	require.NoError(t, err)
	require.Equal(t, "feishu-hooks "+Version+"\n", out)
}

func TestDaemonStatus_JSONWhenStopped(t *testing.T) {
	cfg := isolate(t, "")
	out, _, err := run(t, "", "--config", cfg, "daemon", "status", "--json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "stopped", string(report.Status))
	require.Equal(t, "test-machine", report.Machine)
	require.Zero(t, report.PID)
}

func TestDaemonStatus_RemovesStaleMarker(t *testing.T) {
	cfg := isolate(t, "")
	pidPath := filepath.Join(os.Getenv("CLAUDE_HOOKS_FEISHU_HOME"), "daemon.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("999999999"), 0o600))

	out, _, err := run(t, "", "--config", cfg, "daemon", "status")
	require.NoError(t, err)
	require.Contains(t, out, "stale")
	require.NoFileExists(t, pidPath)
}

func TestDaemonStop_NotRunning(t *testing.T) {
	cfg := isolate(t, "")
	out, _, err := run(t, "", "--config", cfg, "daemon", "stop")
	require.NoError(t, err)
	require.Contains(t, out, "not running")
}

func TestHookGuard_BlocksWithoutDaemon(t *testing.T) {
	cfg := isolate(t, "")
	input := `{"hook_event_name":"PreToolUse","session_id":"s1","cwd":"/work","tool_input":{"command":"rm -rf /"}}`

	_, errOut, err := run(t, input, "--config", cfg, "hook", "guard")
	var exit exitError
	require.True(t, errors.As(err, &exit))
	require.Equal(t, 2, exit.code)
	require.Contains(t, errOut, "rm -rf /")
}

func TestHookGuard_SafeCommandAllowed(t *testing.T) {
	cfg := isolate(t, "")
	input := `{"hook_event_name":"PreToolUse","tool_input":{"command":"ls -la"}}`
	out, errOut, err := run(t, input, "--config", cfg, "hook", "guard")
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, errOut)
}

func TestHookGuard_Disabled(t *testing.T) {
	cfg := isolate(t, "hooks:\n  guard: false\n")
	input := `{"hook_event_name":"PreToolUse","tool_input":{"command":"rm -rf /"}}`
	_, _, err := run(t, input, "--config", cfg, "hook", "guard")
	require.NoError(t, err)
}

func TestHookNotify_NeverBlocks(t *testing.T) {
	cfg := isolate(t, "")
	_, _, err := run(t, "not json at all", "--config", cfg, "hook", "notify")
	require.NoError(t, err)
}

func TestHookFixWritePath(t *testing.T) {
	out, _, err := run(t, `{"tool_name":"Write","cwd":"/work","tool_input":{"file_path":"a.txt"}}`, "hook", "fix-write-path")
	require.NoError(t, err)
	require.JSONEq(t, `{"tool_input":{"file_path":"/work/a.txt"}}`, out)

	out, _, err = run(t, `{"tool_name":"Bash","tool_input":{"command":"ls"}}`, "hook", "fix-write-path")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestAgent_RequiresRelayURL(t *testing.T) {
	cfg := isolate(t, "")
	_, _, err := run(t, "", "--config", cfg, "agent")
	require.Error(t, err)
}
