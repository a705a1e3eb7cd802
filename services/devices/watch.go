package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settleDelay = 250 * time.Millisecond

// ReloadFunc is told about every reload that changed the mapping or failed.
// It owns reporting the failure.
type ReloadFunc func(ctx context.Context, snap *Snapshot, changed bool, err error)

// Watch reloads the registry whenever the config changes on disk, and on
// every tick of interval as a fallback for filesystems without change
// notifications. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, interval time.Duration, onReload ReloadFunc) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if interval <= 0 {
		interval = time.Minute
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir, match := r.watchTarget()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(dir); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}

	reload := func() {
		snap, changed, err := r.Reload()
		switch {
		case onReload == nil:
			if err != nil {
				r.logger.Printf("ERROR reload device config: %v", err)
			}
		case changed || err != nil:
			onReload(ctx, snap, changed, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !match(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			settle.Reset(settleDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Printf("WARN device config watcher: %v", err)
		case <-settle.C:
			reload()
		case <-ticker.C:
			reload()
		}
	}
}

// watchTarget returns the directory to watch and a filter for relevant events.
func (r *Registry) watchTarget() (string, func(string) bool) {
	clean := filepath.Clean(r.path)
	if info, err := os.Stat(clean); err == nil && info.IsDir() {
		return clean, func(name string) bool {
			return isConfigFile(filepath.Base(name))
		}
	}
	return filepath.Dir(clean), func(name string) bool {
		return filepath.Clean(name) == clean
	}
}
