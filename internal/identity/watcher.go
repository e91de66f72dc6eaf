package identity

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads bot personality files on change until ctx is cancelled.
// Edits are debounced per bot so an editor's write-then-rename dance only
// triggers one reload.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := m.botsDir()
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	for _, name := range m.Names() {
		if err := watcher.Add(filepath.Join(dir, name)); err != nil {
			slog.Warn("identity: cannot watch bot directory", "bot", name, "error", err)
		}
	}

	go func() {
		defer watcher.Close()

		pending := make(map[string]time.Time)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				rel, err := filepath.Rel(dir, ev.Name)
				if err != nil {
					continue
				}
				bot := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
				if bot == "." || bot == "" {
					continue
				}
				// New bot directory: start watching it.
				if rel == bot && ev.Op&fsnotify.Create != 0 {
					_ = watcher.Add(ev.Name)
				}
				pending[bot] = time.Now()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("identity: watcher error", "error", err)
			case <-ticker.C:
				for bot, at := range pending {
					if time.Since(at) < 300*time.Millisecond {
						continue
					}
					delete(pending, bot)
					if err := m.Reload(bot); err != nil {
						slog.Warn("identity: hot reload failed", "bot", bot, "error", err)
						continue
					}
					slog.Info("identity: reloaded personality files", "bot", bot)
				}
			}
		}
	}()
	return nil
}
