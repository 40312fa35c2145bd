package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return New(t.TempDir()).WithClock(clock.Now), clock
}

func TestRegister_PreservesRegisteredAt(t *testing.T) {
	r, clock := newTestRegistry(t)

	first, err := r.Register(Session{MachineID: "m1", SessionID: "s1", Cwd: "/work", PID: 42})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := r.Register(Session{MachineID: "m1", SessionID: "s1", Cwd: "/work", PID: 42})
	require.NoError(t, err)

	require.Equal(t, first.RegisteredAt, second.RegisteredAt)
	require.Equal(t, first.LastActivity+time.Minute.Milliseconds(), second.LastActivity)
}

func TestRegister_SanitizesFileName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(Session{MachineID: "host.local", SessionID: "a/b"})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(r.Dir(), "host_local_a_b.json"))

	s, ok := r.Get("host.local", "a/b")
	require.True(t, ok)
	require.Equal(t, os.Getpid(), s.PID)
}

func TestTouch_UpdatesOnlyKnownSessions(t *testing.T) {
	r, clock := newTestRegistry(t)
	_, err := r.Register(Session{MachineID: "m", SessionID: "s"})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	r.Touch("m", "s")
	s, ok := r.Get("m", "s")
	require.True(t, ok)
	require.Equal(t, clock.Now().UnixMilli(), s.LastActivity)

	r.Touch("m", "ghost")
	_, ok = r.Get("m", "ghost")
	require.False(t, ok)
}

func TestListActive_SortedAndTTLBounded(t *testing.T) {
	r, clock := newTestRegistry(t)

	_, err := r.Register(Session{MachineID: "m", SessionID: "old"})
	require.NoError(t, err)
	clock.Advance(DefaultTTL - time.Hour)
	_, err = r.Register(Session{MachineID: "m", SessionID: "a"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.Register(Session{MachineID: "m", SessionID: "b"})
	require.NoError(t, err)

	active := r.ListActive()
	require.Len(t, active, 3)
	require.Equal(t, "b", active[0].SessionID)
	require.Equal(t, "old", active[2].SessionID)

	clock.Advance(time.Hour)
	active = r.ListActive()
	require.Len(t, active, 2)
	for _, s := range active {
		require.NotEqual(t, "old", s.SessionID)
	}
}

func TestCleanExpired_RemovesOnlyExpired(t *testing.T) {
	r, clock := newTestRegistry(t)
	_, err := r.Register(Session{MachineID: "m", SessionID: "stale"})
	require.NoError(t, err)
	clock.Advance(DefaultTTL)
	_, err = r.Register(Session{MachineID: "m", SessionID: "fresh"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "junk.json"), []byte("{"), 0o644))

	require.Equal(t, 1, r.CleanExpired())

	_, ok := r.Get("m", "stale")
	require.False(t, ok)
	_, ok = r.Get("m", "fresh")
	require.True(t, ok)
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(Session{MachineID: "m", SessionID: "s"})
	require.NoError(t, err)
	r.Remove("m", "s")
	r.Remove("m", "s")
	require.Empty(t, r.ListActive())
}
