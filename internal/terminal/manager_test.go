package terminal

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	output map[string]*bytes.Buffer
	exited map[string]int
}

func newRecorder() *recorder {
	return &recorder{output: make(map[string]*bytes.Buffer), exited: make(map[string]int)}
}

func (r *recorder) onOutput(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.output[id]
	if !ok {
		buf = &bytes.Buffer{}
		r.output[id] = buf
	}
	buf.Write(data)
}

func (r *recorder) onExit(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited[id]++
}

func (r *recorder) text(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.output[id]; ok {
		return buf.String()
	}
	return ""
}

func (r *recorder) exits(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited[id]
}

func TestCreate_StreamsOutputAndReportsExit(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.onOutput, rec.onExit)

	reused, err := m.Create("s1", Options{Command: []string{"sh", "-c", "echo hello-pty"}, Cwd: t.TempDir()})
	require.NoError(t, err)
	require.False(t, reused)

	require.Eventually(t, func() bool { return rec.exits("s1") == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, rec.text("s1"), "hello-pty")
	require.False(t, m.Has("s1"))
	require.ErrorIs(t, m.Write("s1", []byte("x")), ErrNoSession)
}

func TestCreate_ReusesLiveSession(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.onOutput, rec.onExit)
	defer m.DestroyAll()

	_, err := m.Create("s1", Options{Command: []string{"cat"}})
	require.NoError(t, err)
	reused, err := m.Create("s1", Options{Command: []string{"cat"}, Cols: 100, Rows: 40})
	require.NoError(t, err)
	require.True(t, reused)

	require.NoError(t, m.Write("s1", []byte("ping\n")))
	require.Eventually(t, func() bool { return strings.Contains(rec.text("s1"), "ping") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Resize("s1", 120, 30))

	m.Destroy("s1")
	require.False(t, m.Has("s1"))
	require.Eventually(t, func() bool { return rec.exits("s1") == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCreate_ChildEnvironment(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE_ENTRYPOINT", "cli")
	t.Setenv("TERM", "dumb")
	rec := newRecorder()
	m := NewManager(rec.onOutput, rec.onExit)

	_, err := m.Create("env", Options{Command: []string{"sh", "-c", `echo "[${CLAUDECODE}${CLAUDE_CODE_ENTRYPOINT}] $TERM"`}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.exits("env") == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, rec.text("env"), "[] xterm-256color")
}

func TestCreate_BadCommand(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Create("s1", Options{Command: []string{"/definitely/not/a/binary"}})
	require.Error(t, err)
	require.False(t, m.Has("s1"))
}

func TestResize_UnknownSession(t *testing.T) {
	m := NewManager(nil, nil)
	require.ErrorIs(t, m.Resize("nope", 80, 24), ErrNoSession)
	m.Destroy("nope")
}
