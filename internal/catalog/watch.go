package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the catalog whenever the packages directory changes. Bursts
// of filesystem events collapse into one rescan after the debounce interval.
func (c *Catalog) Watch(ctx context.Context) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.closed {
		return ErrCatalogClosed
	}
	if c.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch packages dir: %w", err)
	}
	_ = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == c.dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		_ = watcher.Add(path)
		return nil
	})

	watchCtx, cancel := context.WithCancel(ctx)
	c.watcher = watcher
	c.watchCancel = cancel
	c.logger.Info("watching packages", "path", c.dir, "debounce", c.debounce)

	go c.watchLoop(watchCtx, watcher)
	return nil
}

// StopWatch stops the filesystem watcher. A pending rescan is dropped.
func (c *Catalog) StopWatch() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.stopWatchLocked()
}

func (c *Catalog) stopWatchLocked() {
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	if c.watcher != nil {
		c.watcher.Close()
		c.watcher = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close stops watching. Subscribers receive no further events from the
// watcher; explicit calls still work.
func (c *Catalog) Close() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.closed = true
	c.stopWatchLocked()
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			c.handleFSEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("watcher error", "error", err)
		}
	}
}

func (c *Catalog) handleFSEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if ignoredPath(c.dir, event.Name) {
		return
	}
	if event.Op&fsnotify.Create == fsnotify.Create {
		if isDir(event.Name) {
			_ = watcher.Add(event.Name)
		}
	}

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.Rescan(ctx); err != nil {
			c.logger.Error("rescan after change failed", "error", err)
		}
	})
}

// ignoredPath reports whether a change under the packages directory cannot
// affect the catalog: staging directories and hidden files other than the
// status marker.
func ignoredPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if !strings.HasPrefix(part, ".") {
			continue
		}
		if i == len(parts)-1 && part == StatusFile {
			return false
		}
		return true
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
