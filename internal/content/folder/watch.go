package folder

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

// DefaultDebounce groups bursts of filesystem events into one rebuild.
const DefaultDebounce = 250 * time.Millisecond

// WatchOptions tunes Watch.
type WatchOptions struct {
	Options
	Debounce time.Duration
}

// Watch rebuilds the store for dir whenever its tree changes and hands each new
// store to onBuild. Stores are never modified in place; a failed rebuild keeps
// the previous store and is only logged. Watch blocks until ctx ends.
func Watch(ctx context.Context, dir string, opts WatchOptions, onBuild func(*content.Store)) error {
	if onBuild == nil {
		return fmt.Errorf("folder: watch requires a callback")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	logger := opts.Logger
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("folder: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := addTree(watcher, dir); err != nil {
		return err
	}
	logger.Info("content.folder.watch.start", "root", dir, "debounce", debounce)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("content.folder.watch.stop", "root", dir)
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, ev.Name); err != nil {
						logger.Warn("content.folder.watch.add_failed", "path", ev.Name, "error", err)
					}
				}
			}
			logger.Trace("content.folder.watch.event", "path", ev.Name, "op", ev.Op.String())
			if !pending {
				pending = true
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("content.folder.watch.error", "error", err)
		case <-timer.C:
			pending = false
			store, err := BuildDir(ctx, dir, opts.Options)
			if err != nil {
				logger.Error("content.folder.reload_failed", "root", dir, "error", err)
				continue
			}
			onBuild(store)
			logger.Info("content.folder.reloaded", "root", dir, "entries", store.Len(), "bytes", store.Size())
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("folder: watch %q: %w", p, err)
		}
		return nil
	})
}
