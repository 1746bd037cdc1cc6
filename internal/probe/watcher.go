// Package probe reports which files changed in the working directory while a
// session runs.
package probe

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// maxTracked bounds how many distinct paths a Watcher remembers.
const maxTracked = 256

var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Watcher records paths written, created, removed or renamed under a root
// directory since it started.
type Watcher struct {
	root      string
	fsWatcher *fsnotify.Watcher
	logger    *log.Logger

	mu      sync.Mutex
	changed []string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher starts watching root recursively.
func NewWatcher(root string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := addDirsRecursive(fsW, abs); err != nil {
		_ = fsW.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	w := &Watcher{
		root:      abs,
		fsWatcher: fsW,
		logger:    logger,
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// ChangedFiles returns touched paths relative to the root, most recent last.
func (w *Watcher) ChangedFiles(context.Context) ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.changed))
	copy(out, w.changed)
	return out, nil
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || skipped(rel) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := addDirsRecursive(w.fsWatcher, event.Name); addErr != nil {
				w.logger.Warn("watch new directory failed", "path", rel, "error", addErr)
			}
			return
		}
	}
	w.record(filepath.ToSlash(rel))
}

func (w *Watcher) record(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.changed {
		if existing == rel {
			w.changed = append(w.changed[:i], w.changed[i+1:]...)
			break
		}
	}
	w.changed = append(w.changed, rel)
	if len(w.changed) > maxTracked {
		w.changed = w.changed[len(w.changed)-maxTracked:]
	}
}

func addDirsRecursive(fsW *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (excludedDirs[d.Name()] || isHidden(d.Name())) {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func skipped(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedDirs[part] || isHidden(part) {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
