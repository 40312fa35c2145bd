// Package terminal runs interactive programs under a PTY, one per session id,
// and streams their output to a callback.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

var ErrNoSession = errors.New("no terminal for session")

const DefaultCommand = "claude"

// strippedEnv lists variables that make a nested claude refuse to start.
var strippedEnv = []string{"CLAUDECODE", "CLAUDE_CODE_SSE_PORT", "CLAUDE_CODE_ENTRYPOINT"}

type Options struct {
	Cols    int
	Rows    int
	Command []string
	Cwd     string
}

type session struct {
	id     string
	ptmx   *os.File
	cmd    *exec.Cmd
	closed chan struct{}
	once   sync.Once
}

func (s *session) alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	onOutput func(sessionID string, data []byte)
	onExit   func(sessionID string)
}

// NewManager returns a manager that reports output chunks and process exit
// through the given callbacks. Either may be nil.
func NewManager(onOutput func(sessionID string, data []byte), onExit func(sessionID string)) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		onOutput: onOutput,
		onExit:   onExit,
	}
}

func childEnv() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		skip := name == "TERM"
		for _, stripped := range strippedEnv {
			if name == stripped {
				skip = true
				break
			}
		}
		if !skip {
			env = append(env, kv)
		}
	}
	return append(env, "TERM=xterm-256color")
}

func winsize(cols, rows int) *pty.Winsize {
	if cols <= 0 {
		cols = 220
	}
	if rows <= 0 {
		rows = 50
	}
	return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
}

// Create starts a terminal for id. If one is already running it is resized
// and reused, and reused is true.
func (m *Manager) Create(id string, opts Options) (reused bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[id]; ok {
		if existing.alive() {
			if opts.Cols > 0 && opts.Rows > 0 {
				_ = pty.Setsize(existing.ptmx, winsize(opts.Cols, opts.Rows))
			}
			return true, nil
		}
		delete(m.sessions, id)
	}

	argv := opts.Command
	if len(argv) == 0 {
		argv = []string{DefaultCommand}
	}
	cwd := opts.Cwd
	if cwd == "" {
		if cwd = os.Getenv("HOME"); cwd == "" {
			cwd = "/"
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = childEnv()

	ptmx, err := pty.StartWithSize(cmd, winsize(opts.Cols, opts.Rows))
	if err != nil {
		return false, fmt.Errorf("failed to start %s under pty: %w", argv[0], err)
	}

	s := &session{id: id, ptmx: ptmx, cmd: cmd, closed: make(chan struct{})}
	m.sessions[id] = s

	go m.readLoop(s)
	go func() {
		_ = cmd.Wait()
	}()
	return false, nil
}

func (m *Manager) readLoop(s *session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 && m.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.onOutput(s.id, chunk)
		}
		if err != nil {
			if err != io.EOF && s.alive() {
				log.Printf("PTY for session %s ended: %v", s.id, err)
			}
			break
		}
	}

	s.close()
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	if m.onExit != nil {
		m.onExit(s.id)
	}
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.alive() {
		return nil, ErrNoSession
	}
	return s, nil
}

func (m *Manager) Write(id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	_, err = s.ptmx.Write(data)
	return err
}

func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return pty.Setsize(s.ptmx, winsize(cols, rows))
}

// Destroy kills the terminal for id, if any. The exit callback still fires.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

func (m *Manager) Has(id string) bool {
	_, err := m.get(id)
	return err == nil
}

func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}
