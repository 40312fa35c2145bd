package hook

import (
	"path"
	"strings"
)

var protectedRoots = []string{
	"/", "/*", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64",
	"/opt", "/root", "/sbin", "/usr", "/var",
	"~", "~/*", "$HOME", "${HOME}", "$HOME/*", "${HOME}/*",
}

// MatchDanger reports the first configured pattern contained in command, or
// a recursive rm aimed at a protected root or the home directory.
func MatchDanger(command string, patterns []string, home string) (string, bool) {
	for _, p := range patterns {
		if p != "" && strings.Contains(command, p) {
			return p, true
		}
	}
	if target, ok := recursiveRemoveOfRoot(command, home); ok {
		return "rm -r " + target, true
	}
	return "", false
}

// commandWrappers run their arguments as a command. Their own options vary
// too much to parse, so the wrapped command is the first rm after them.
var commandWrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nice": true, "nohup": true,
	"command": true, "exec": true, "xargs": true, "time": true, "timeout": true,
	"ionice": true, "stdbuf": true,
}

// rmIndex returns the position of the rm invoked by a segment, or -1.
func rmIndex(fields []string) int {
	i := 0
	for i < len(fields) && strings.Contains(fields[i], "=") && !strings.HasPrefix(fields[i], "-") {
		i++
	}
	if i >= len(fields) {
		return -1
	}
	if path.Base(fields[i]) == "rm" {
		return i
	}
	if !commandWrappers[path.Base(fields[i])] {
		return -1
	}
	for j := i + 1; j < len(fields); j++ {
		if path.Base(fields[j]) == "rm" {
			return j
		}
	}
	return -1
}

func splitSegments(command string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n", "&", "\n")
	return strings.Split(replacer.Replace(command), "\n")
}

func recursiveRemoveOfRoot(command, home string) (string, bool) {
	for _, segment := range splitSegments(command) {
		fields := strings.Fields(segment)
		i := rmIndex(fields)
		if i < 0 {
			continue
		}

		recursive := false
		var targets []string
		endOfFlags := false
		for _, arg := range fields[i+1:] {
			switch {
			case !endOfFlags && arg == "--":
				endOfFlags = true
			case !endOfFlags && arg == "--recursive":
				recursive = true
			case !endOfFlags && strings.HasPrefix(arg, "--"):
			case !endOfFlags && strings.HasPrefix(arg, "-") && len(arg) > 1:
				if strings.ContainsAny(arg, "rR") {
					recursive = true
				}
			default:
				targets = append(targets, strings.Trim(arg, `"'`))
			}
		}
		if !recursive {
			continue
		}
		for _, t := range targets {
			if isProtected(t, home) {
				return t, true
			}
		}
	}
	return "", false
}

func isProtected(target, home string) bool {
	normalized := target
	if len(normalized) > 1 {
		normalized = strings.TrimRight(normalized, "/")
		if normalized == "" {
			normalized = "/"
		}
	}
	if strings.HasPrefix(normalized, "/") && normalized != "/*" {
		normalized = path.Clean(normalized)
	}
	for _, root := range protectedRoots {
		if normalized == root {
			return true
		}
	}
	if home != "" {
		h := path.Clean(home)
		if normalized == h || normalized == h+"/*" {
			return true
		}
	}
	return false
}
