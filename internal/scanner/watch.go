package scanner

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the caches when a session log is created, removed or
// renamed, then calls onChange (if set). It blocks until ctx is done.
// Appends to existing logs are left to the mtime cache.
func (s *Scanner) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	root := s.opts.ProjectsDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(root); err != nil {
		return err
	}
	if projects, err := os.ReadDir(root); err == nil {
		for _, p := range projects {
			if p.IsDir() {
				_ = watcher.Add(filepath.Join(root, p.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == root {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.Invalidate()
				if onChange != nil {
					onChange()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Session log watcher error: %v", err)
		}
	}
}
