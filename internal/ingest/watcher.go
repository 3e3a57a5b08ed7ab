package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultWatchPattern selects the document types the extractors understand.
const DefaultWatchPattern = "**/*.{pdf,txt,md,html,htm}"

// Watcher reports files created or rewritten anywhere under a directory once
// they have been quiet for the settle period, so a file still being copied is
// not ingested half-written. Hidden subdirectories are not watched.
type Watcher struct {
	dir     string
	pattern string
	settle  time.Duration
	handle  func(path string) error
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher validates pattern and returns a Watcher calling handle for every
// settled file whose path relative to dir matches it.
func NewWatcher(dir, pattern string, settle time.Duration, handle func(path string) error) (*Watcher, error) {
	if pattern == "" {
		pattern = DefaultWatchPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", pattern)
	}
	if settle <= 0 {
		settle = time.Second
	}
	return &Watcher{
		dir:     dir,
		pattern: pattern,
		settle:  settle,
		handle:  handle,
		logger:  slog.Default(),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(ctx, fw, w.dir, false); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching for documents", "dir", w.dir, "pattern", w.pattern)

	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addTree(ctx, fw, event.Name, true); err != nil {
						w.logger.Warn("watching new directory failed", "dir", event.Name, "error", err)
					}
					continue
				}
			}
			if !w.Matches(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// addTree watches root and every directory below it. With existing set, files
// already under root are scheduled as well: a directory moved or copied in
// can be filled before it is watched.
func (w *Watcher) addTree(ctx context.Context, fw *fsnotify.Watcher, root string, existing bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if existing && w.Matches(path) {
				w.schedule(ctx, path)
			}
			return nil
		}
		if path != w.dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// Matches reports whether path, taken relative to the watched directory,
// matches the watch pattern.
func (w *Watcher) Matches(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	ok, err := doublestar.Match(w.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.handle(path); err != nil {
			w.logger.Warn("queueing watched document failed", "path", path, "error", err)
			return
		}
		w.logger.Info("queued watched document", "path", path)
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
