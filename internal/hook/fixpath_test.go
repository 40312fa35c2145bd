package hook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixWritePath(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		stdout string
	}{
		{
			name:   "relative path joined with hook cwd",
			input:  `{"tool_name":"Write","cwd":"/work","tool_input":{"file_path":"src/a.go","content":"x"}}`,
			stdout: `{"tool_input":{"content":"x","file_path":"/work/src/a.go"}}`,
		},
		{
			name:   "falls back to process cwd",
			input:  `{"tool_name":"Write","tool_input":{"file_path":"./notes.md"}}`,
			stdout: `{"tool_input":{"file_path":"/proc-cwd/notes.md"}}`,
		},
		{name: "absolute path untouched", input: `{"tool_name":"Write","tool_input":{"file_path":"/etc/x"}}`},
		{name: "other tools untouched", input: `{"tool_name":"Edit","tool_input":{"file_path":"a.go"}}`},
		{name: "missing path", input: `{"tool_name":"Write","tool_input":{}}`},
		{name: "garbage", input: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := FixWritePath([]byte(tt.input), "/proc-cwd")
			require.Zero(t, res.ExitCode)
			if tt.stdout == "" {
				require.Empty(t, res.Stdout)
				return
			}
			require.JSONEq(t, tt.stdout, res.Stdout)
		})
	}
}
