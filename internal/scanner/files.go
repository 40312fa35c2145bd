package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrPathBlocked    = errors.New("path is blocked by file access policy")
	ErrFileTooLarge   = errors.New("file exceeds size limit")
	ErrNotRegularFile = errors.New("not a regular file")
)

type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Listing struct {
	Path   string  `json:"path"`
	Parent string  `json:"parent"`
	Dirs   []Entry `json:"dirs"`
	Files  []Entry `json:"files"`
}

func expandHome(path string) string {
	if path == "" || path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// ListDir lists the immediate, non-hidden children of path: directories first,
// then files, each alphabetical.
func ListDir(path string) (Listing, error) {
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return Listing{}, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return Listing{Path: abs, Parent: filepath.Dir(abs)}, fmt.Errorf("failed to list directory: %w", err)
	}

	listing := Listing{Path: abs, Parent: filepath.Dir(abs), Dirs: []Entry{}, Files: []Entry{}}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		e := Entry{Name: name, Path: filepath.Join(abs, name)}
		if entry.IsDir() {
			listing.Dirs = append(listing.Dirs, e)
		} else {
			listing.Files = append(listing.Files, e)
		}
	}
	sort.Slice(listing.Dirs, func(i, j int) bool { return listing.Dirs[i].Name < listing.Dirs[j].Name })
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	return listing, nil
}

// FilePolicy gates remote file previews.
type FilePolicy struct {
	// BlockedDirs are path fragments such as ".ssh" or ".config/gcloud"; a path
	// containing one as whole segments is refused.
	BlockedDirs []string
	// BlockedSystemPaths are absolute prefixes such as "/proc".
	BlockedSystemPaths []string
	MaxBytes           int64
}

func (p FilePolicy) blocked(abs string) bool {
	slashed := filepath.ToSlash(abs)
	for _, sys := range p.BlockedSystemPaths {
		sys = strings.TrimSuffix(filepath.ToSlash(sys), "/")
		if slashed == sys || strings.HasPrefix(slashed, sys+"/") {
			return true
		}
	}
	padded := slashed + "/"
	for _, dir := range p.BlockedDirs {
		dir = strings.Trim(filepath.ToSlash(dir), "/")
		if dir != "" && strings.Contains(padded, "/"+dir+"/") {
			return true
		}
	}
	return false
}

// Check resolves path and applies the blocklists without touching the file.
func (p FilePolicy) Check(path string) (string, error) {
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return "", err
	}
	if p.blocked(abs) {
		return "", fmt.Errorf("%w: %s", ErrPathBlocked, abs)
	}
	return abs, nil
}

// Read returns the file's content if the policy allows it. Blocklists are
// applied to the requested path before any I/O and again to the symlink
// target; the size cap is checked before reading.
func (p FilePolicy) Read(path string) (string, error) {
	abs, err := p.Check(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if p.blocked(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathBlocked, resolved)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotRegularFile, resolved)
	}
	if p.MaxBytes > 0 && info.Size() > p.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, info.Size(), p.MaxBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}
