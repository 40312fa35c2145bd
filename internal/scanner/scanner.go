// Package scanner derives active and historical session views from the
// append-only logs under the Claude projects directory
// (<root>/<project>/<session>.jsonl).
package scanner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

const summaryLimit = 100

type ActiveSession struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Mtime     int64  `json:"mtime"`
}

type HistorySession struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
	GitBranch string `json:"gitBranch,omitempty"`
	Summary   string `json:"summary"`
	FilePath  string `json:"filePath"`
}

type Options struct {
	ProjectsDir  string
	ActiveWindow time.Duration
	HeadBytes    int
	FileListTTL  time.Duration
	HistoryTTL   time.Duration
}

// DefaultProjectsDir follows the Claude CLI: $CLAUDE_CONFIG_DIR/projects or
// ~/.claude/projects.
func DefaultProjectsDir() string {
	root := os.Getenv("CLAUDE_CONFIG_DIR")
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".claude")
	}
	return filepath.Join(root, "projects")
}

type cachedFile struct {
	mtime   int64
	session *HistorySession
}

type Scanner struct {
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	files     []string
	filesAt   time.Time
	perFile   map[string]cachedFile
	history   []HistorySession
	historyAt time.Time
	gen       uint64

	sf singleflight.Group
}

func New(opts Options) *Scanner {
	if opts.ProjectsDir == "" {
		opts.ProjectsDir = DefaultProjectsDir()
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = 30 * time.Minute
	}
	if opts.HeadBytes <= 0 {
		opts.HeadBytes = 16 * 1024
	}
	if opts.FileListTTL <= 0 {
		opts.FileListTTL = 10 * time.Second
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 60 * time.Second
	}
	return &Scanner{
		opts:    opts,
		now:     time.Now,
		perFile: make(map[string]cachedFile),
	}
}

func (s *Scanner) Root() string {
	return s.opts.ProjectsDir
}

// logFiles returns every <project>/<session>.jsonl path, served from a short
// TTL cache.
func (s *Scanner) logFiles() []string {
	s.mu.RLock()
	if s.files != nil && s.now().Sub(s.filesAt) < s.opts.FileListTTL {
		files := s.files
		s.mu.RUnlock()
		return files
	}
	s.mu.RUnlock()

	files := []string{}
	projects, err := os.ReadDir(s.opts.ProjectsDir)
	if err == nil {
		for _, project := range projects {
			if !project.IsDir() {
				continue
			}
			dir := filepath.Join(s.opts.ProjectsDir, project.Name())
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
					files = append(files, filepath.Join(dir, entry.Name()))
				}
			}
		}
	}

	s.mu.Lock()
	s.files = files
	s.filesAt = s.now()
	s.mu.Unlock()
	return files
}

// logRecord is the subset of a session log line the scanner cares about.
type logRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// ScanActive returns sessions whose log was modified within the active window.
// Only the first HeadBytes of each qualifying file are read.
func (s *Scanner) ScanActive() []ActiveSession {
	cutoff := s.now().Add(-s.opts.ActiveWindow)
	byID := make(map[string]ActiveSession)

	for _, path := range s.logFiles() {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		sessionID, cwd := s.readHead(path)
		if sessionID == "" {
			sessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		}
		mtime := info.ModTime().UnixMilli()
		if prev, ok := byID[sessionID]; ok && prev.Mtime >= mtime {
			continue
		}
		byID[sessionID] = ActiveSession{SessionID: sessionID, Cwd: cwd, Mtime: mtime}
	}

	out := make([]ActiveSession, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mtime != out[j].Mtime {
			return out[i].Mtime > out[j].Mtime
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (s *Scanner) readHead(path string) (sessionID, cwd string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	buf := make([]byte, s.opts.HeadBytes)
	n, _ := io.ReadFull(f, buf)
	for _, line := range bytes.Split(buf[:n], []byte{'\n'}) {
		var rec logRecord
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		if rec.SessionID != "" && rec.Cwd != "" {
			return rec.SessionID, rec.Cwd
		}
	}
	return "", ""
}

// ScanHistory returns every known session, newest first. Results are cached
// for HistoryTTL and concurrent callers share one underlying scan.
func (s *Scanner) ScanHistory() []HistorySession {
	if cached, ok := s.cachedHistory(); ok {
		return slices.Clone(cached)
	}

	v, _, _ := s.sf.Do("history", func() (interface{}, error) {
		if cached, ok := s.cachedHistory(); ok {
			return cached, nil
		}
		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()

		result := s.scanHistory()

		s.mu.Lock()
		if s.gen == gen {
			s.history = result
			s.historyAt = s.now()
		}
		s.mu.Unlock()
		return result, nil
	})
	return slices.Clone(v.([]HistorySession))
}

func (s *Scanner) cachedHistory() ([]HistorySession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history != nil && s.now().Sub(s.historyAt) < s.opts.HistoryTTL {
		return s.history, true
	}
	return nil, false
}

func (s *Scanner) scanHistory() []HistorySession {
	files := s.logFiles()
	seen := make(map[string]bool)
	live := make(map[string]bool, len(files))
	out := []HistorySession{}

	for _, path := range files {
		live[path] = true
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mtime := info.ModTime().UnixNano()

		s.mu.RLock()
		cached, hit := s.perFile[path]
		s.mu.RUnlock()

		var session *HistorySession
		if hit && cached.mtime == mtime {
			session = cached.session
		} else {
			session = parseHistory(path)
			s.mu.Lock()
			s.perFile[path] = cachedFile{mtime: mtime, session: session}
			s.mu.Unlock()
		}
		if session == nil || seen[session.SessionID] {
			continue
		}
		seen[session.SessionID] = true
		out = append(out, *session)
	}

	s.mu.Lock()
	for path := range s.perFile {
		if !live[path] {
			delete(s.perFile, path)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// parseHistory reads one log until it has both the first record carrying
// sessionId and cwd and the first user message.
func parseHistory(path string) *HistorySession {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	const maxLine = 10 * 1024 * 1024
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var (
		session *HistorySession
		summary string
	)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec logRecord
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		if session == nil && rec.SessionID != "" && rec.Cwd != "" {
			session = &HistorySession{
				SessionID: rec.SessionID,
				Cwd:       rec.Cwd,
				Timestamp: rec.Timestamp,
				GitBranch: rec.GitBranch,
				FilePath:  path,
			}
		}
		if summary == "" && rec.Type == "user" {
			summary = userText(rec.Message)
		}
		if session != nil && summary != "" {
			break
		}
	}
	if session == nil {
		return nil
	}
	session.Summary = truncate(summary, summaryLimit)
	return session
}

// userText extracts plain text from a user message whose content is either a
// string or a list of typed blocks. Tool results yield "".
func userText(raw json.RawMessage) string {
	var msg struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &msg) != nil || msg.Role != "user" {
		return ""
	}
	var text string
	if json.Unmarshal(msg.Content, &text) == nil {
		return strings.TrimSpace(text)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(msg.Content, &blocks) != nil {
		return ""
	}
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			return strings.TrimSpace(b.Text)
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Invalidate drops the file list and the history result. An in-flight scan
// that started earlier will not repopulate the cache.
func (s *Scanner) Invalidate() {
	s.mu.Lock()
	s.files = nil
	s.history = nil
	s.gen++
	s.mu.Unlock()
}

// DeleteSession removes the session's log from every project directory and
// invalidates the caches. It reports whether anything was deleted. The id
// must name exactly one log file; it is never used as a pattern.
func (s *Scanner) DeleteSession(sessionID string) (bool, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\*?[]`) || strings.HasPrefix(sessionID, ".") {
		return false, fmt.Errorf("invalid session id %q", sessionID)
	}
	projects, err := os.ReadDir(s.opts.ProjectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read projects dir: %w", err)
	}
	want := sessionID + ".jsonl"
	deleted := false
	var firstErr error
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(s.opts.ProjectsDir, project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Name() != want || !e.Type().IsRegular() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				if firstErr == nil && !os.IsNotExist(err) {
					firstErr = fmt.Errorf("failed to delete session log: %w", err)
				}
				continue
			}
			deleted = true
		}
	}
	s.Invalidate()
	return deleted, firstErr
}
