package hook

import (
	"encoding/json"
	"path/filepath"
)

// FixWritePath makes a relative Write file_path absolute, resolving it
// against the hook's cwd field or, failing that, cwd. Other tools and
// unparsable input pass through untouched.
func FixWritePath(data []byte, cwd string) Result {
	var in struct {
		ToolName  string                     `json:"tool_name"`
		Cwd       string                     `json:"cwd"`
		ToolInput map[string]json.RawMessage `json:"tool_input"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.ToolName != "Write" || in.ToolInput == nil {
		return allow()
	}
	var path string
	if raw, ok := in.ToolInput["file_path"]; !ok || json.Unmarshal(raw, &path) != nil {
		return allow()
	}
	if path == "" || filepath.IsAbs(path) {
		return allow()
	}

	base := in.Cwd
	if base == "" {
		base = cwd
	}
	fixed, err := json.Marshal(filepath.Join(base, path))
	if err != nil {
		return allow()
	}
	in.ToolInput["file_path"] = fixed
	out, err := json.Marshal(map[string]any{"tool_input": in.ToolInput})
	if err != nil {
		return allow()
	}
	return Result{Stdout: string(out)}
}
