package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/swyrknt/koru-delta/internal/debug"
)

// Watch re-reads the config file whenever it changes and invokes onChange
// with the new configuration. The engine applies only the dynamic subset
// (gossip interval, fsync mode) at runtime; every other setting, the
// metrics interval included, takes effect on restart. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and a file-level watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				debug.Logf("config: reload failed, keeping previous: %v", err)
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Logf("config: watcher error: %v", err)
		}
	}
}
