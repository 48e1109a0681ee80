package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 1 * time.Second

// Restarter is restarted when watched files change
type Restarter interface {
	Name() string
	Restart(ctx context.Context) error
}

type Config struct {
	// Root is watched recursively
	Root string

	// Ignore lists names or root-relative paths (glob patterns allowed) that are not watched
	Ignore []string

	Debounce time.Duration
}

// Watcher restarts its target after a burst of file changes settles
type Watcher struct {
	config  Config
	target  Restarter
	logger  logging.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	restarts int
}

func New(config Config, target Restarter, logger logging.Logger) (*Watcher, error) {
	if config.Root == "" {
		return nil, errors.NewValidationError("watch root is required", nil)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, errors.NewValidationError("invalid watch root", err).WithContext("root", config.Root)
	}
	config.Root = root

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}

	w := &Watcher{
		config:  config,
		target:  target,
		logger:  logger,
		watcher: fw,
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// Restarts returns how many restarts the watcher has triggered
func (w *Watcher) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// Run processes file events until ctx is cancelled or the watcher is closed
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	var fire <-chan time.Time

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugf("File change detected, process: %s, path: %s, op: %s", w.target.Name(), event.Name, event.Op)

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warnf("Failed to watch new directory %s: %v", event.Name, err)
					}
				}
			}

			if debounce == nil {
				debounce = time.NewTimer(w.config.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.config.Debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.restart(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("File watcher error, process: %s, error: %v", w.target.Name(), err)
		}
	}
}

func (w *Watcher) Close() error {
	if err := w.watcher.Close(); err != nil {
		return errors.NewIOError("failed to close file watcher", err)
	}
	return nil
}

func (w *Watcher) restart(ctx context.Context) {
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()

	w.logger.Infof("Restarting process after file changes, process: %s", w.target.Name())
	if err := w.target.Restart(ctx); err != nil {
		w.logger.Errorf("Restart after file change failed, process: %s, error: %v", w.target.Name(), err)
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return !w.ignored(event.Name)
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish between the event and the walk
			if path != dir {
				return nil
			}
			return errors.NewIOError("failed to walk watch directory", err).WithContext("path", path)
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.config.Root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return errors.NewIOError("failed to watch directory", err).WithContext("path", path)
		}
		return nil
	})
}

// ignored reports whether path is under an ignored entry or a dot-directory
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)

	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ".") {
			return true
		}
		prefix := strings.Join(parts[:i+1], "/")
		for _, pattern := range w.config.Ignore {
			pattern = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(pattern)), "/")
			pattern = strings.TrimPrefix(pattern, "./")
			if pattern == part || pattern == prefix {
				return true
			}
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
			if ok, _ := filepath.Match(pattern, prefix); ok {
				return true
			}
		}
	}
	return false
}
