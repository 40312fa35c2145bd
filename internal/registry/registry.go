// Package registry tracks hook sessions seen on this machine. A record is a
// liveness hint refreshed by every hook call, not proof that the process is
// still running.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/fileutil"
)

const DefaultTTL = 7 * 24 * time.Hour

type Session struct {
	MachineID    string `json:"machineId"`
	SessionID    string `json:"sessionId"`
	Cwd          string `json:"cwd"`
	PID          int    `json:"pid"`
	RegisteredAt int64  `json:"registeredAt"`
	LastActivity int64  `json:"lastActivity"`
}

type Registry struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

func New(ipcDir string) *Registry {
	return &Registry{
		dir: filepath.Join(ipcDir, "sessions"),
		ttl: DefaultTTL,
		now: time.Now,
	}
}

// WithClock swaps the time source. Tests use it to age records.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) Dir() string {
	return r.dir
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func fileName(machineID, sessionID string) string {
	return unsafeChars.ReplaceAllString(machineID, "_") + "_" +
		unsafeChars.ReplaceAllString(sessionID, "_") + ".json"
}

func (r *Registry) path(machineID, sessionID string) string {
	return filepath.Join(r.dir, fileName(machineID, sessionID))
}

// Register upserts the record for (machine, session). RegisteredAt survives
// repeated calls; LastActivity is refreshed.
func (r *Registry) Register(s Session) (Session, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	now := r.now().UnixMilli()
	if s.PID == 0 {
		s.PID = os.Getpid()
	}
	s.RegisteredAt = now
	if existing, ok := r.Get(s.MachineID, s.SessionID); ok && existing.RegisteredAt != 0 {
		s.RegisteredAt = existing.RegisteredAt
	}
	s.LastActivity = now
	if err := fileutil.WriteJSON(r.path(s.MachineID, s.SessionID), s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *Registry) Get(machineID, sessionID string) (Session, bool) {
	var s Session
	if !fileutil.ReadJSON(r.path(machineID, sessionID), &s) {
		return Session{}, false
	}
	return s, true
}

// Touch refreshes LastActivity. Unknown sessions are ignored.
func (r *Registry) Touch(machineID, sessionID string) {
	s, ok := r.Get(machineID, sessionID)
	if !ok {
		return
	}
	s.LastActivity = r.now().UnixMilli()
	_ = fileutil.WriteJSON(r.path(machineID, sessionID), s)
}

func (r *Registry) Remove(machineID, sessionID string) {
	_ = os.Remove(r.path(machineID, sessionID))
}

type entry struct {
	name    string
	session Session
}

func (r *Registry) all() []entry {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var out []entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		var s Session
		if fileutil.ReadJSON(filepath.Join(r.dir, f.Name()), &s) {
			out = append(out, entry{name: f.Name(), session: s})
		}
	}
	return out
}

func (r *Registry) expired(s Session) bool {
	return r.now().UnixMilli()-s.LastActivity >= r.ttl.Milliseconds()
}

// ListActive returns sessions active within the TTL, most recent first.
func (r *Registry) ListActive() []Session {
	var out []Session
	for _, e := range r.all() {
		if !r.expired(e.session) {
			out = append(out, e.session)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity > out[j].LastActivity
	})
	return out
}

// CleanExpired deletes records past the TTL and reports how many were removed.
func (r *Registry) CleanExpired() int {
	removed := 0
	for _, e := range r.all() {
		if !r.expired(e.session) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, e.name)); err == nil {
			removed++
		}
	}
	return removed
}
