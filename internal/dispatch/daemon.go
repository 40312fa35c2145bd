package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	// StatusStale means a PID marker pointed at a dead process. The marker has
	// been removed by the time this is reported.
	StatusStale Status = "stale"
)

var (
	ErrAlreadyRunning = errors.New("daemon is already running")
	ErrNotRunning     = errors.New("daemon is not running")
)

func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile is idempotent.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// DaemonStatus reads the PID marker and probes the process. A marker for a
// dead process is deleted.
func DaemonStatus(pidPath string) (Status, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		_ = RemovePIDFile(pidPath)
		return StatusStale, 0, nil
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	_ = RemovePIDFile(pidPath)
	return StatusStale, pid, nil
}

// IsRunning is the synchronous check hooks use to pick interactive or
// degraded mode.
func IsRunning(pidPath string) bool {
	status, _, _ := DaemonStatus(pidPath)
	return status == StatusRunning
}

// Stop sends SIGTERM to the recorded daemon and removes the marker.
func Stop(pidPath string) (int, error) {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return 0, err
	}
	if status != StatusRunning {
		return pid, ErrNotRunning
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		_ = RemovePIDFile(pidPath)
		return pid, fmt.Errorf("failed to send SIGTERM to PID %d: %w", pid, err)
	}
	return pid, RemovePIDFile(pidPath)
}

// SetupSignalHandler cancels the returned context on SIGTERM or SIGINT. The
// cleanup function removes the PID marker and should be deferred.
func SetupSignalHandler(parent context.Context, pidPath string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, func() {
		cancel()
		_ = RemovePIDFile(pidPath)
	}
}

// EventSource delivers channel events to the daemon until stopped.
type EventSource interface {
	Start(handle func(context.Context, Event)) error
	Stop() error
}

type Daemon struct {
	PIDPath         string
	Resolver        *Resolver
	Registry        *registry.Registry
	Source          EventSource
	CleanupInterval time.Duration

	mu sync.Mutex
}

// Run owns the process until ctx is cancelled or a termination signal
// arrives. On return the event source is stopped and the PID marker removed.
func (d *Daemon) Run(ctx context.Context) error {
	if IsRunning(d.PIDPath) {
		return ErrAlreadyRunning
	}
	if err := WritePIDFile(d.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(ctx, d.PIDPath)
	defer cleanup()

	log.Printf("Daemon started, PID: %d", os.Getpid())

	if d.Source != nil {
		if err := d.Source.Start(d.handle); err != nil {
			return fmt.Errorf("failed to start event source: %w", err)
		}
	}

	interval := d.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.cleanSessions()
	for {
		select {
		case <-ctx.Done():
			if d.Source != nil {
				if err := d.Source.Stop(); err != nil {
					log.Printf("Failed to stop event source: %v", err)
				}
			}
			log.Printf("Daemon stopped")
			return nil
		case <-ticker.C:
			d.cleanSessions()
		}
	}
}

// handle serialises resolution so two concurrent events never race on the
// same pending request.
func (d *Daemon) handle(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.Resolver.Handle(ctx, ev)
	if err != nil {
		log.Printf("Event handler error: %v", err)
		return
	}
	if res.Outcome != OutcomeIgnored {
		log.Printf("Event resolved: %s %s", res.Outcome, res.RequestID)
	}
}

func (d *Daemon) cleanSessions() {
	if d.Registry == nil {
		return
	}
	if n := d.Registry.CleanExpired(); n > 0 {
		log.Printf("Removed %d expired sessions", n)
	}
}
