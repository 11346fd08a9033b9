package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// Watcher watches the module list file and the module directory and emits
// the path of the last change once a burst of events has settled.
//
// Events are coalesced: the channel has room for one pending change, and a
// change arriving while one is pending is dropped because the consumer
// re-reads everything anyway.
type Watcher struct {
	listFile  string
	moduleDir string
	watcher   *fsnotify.Watcher
	logger    *zap.SugaredLogger
	debounce  time.Duration

	out chan string

	mu     sync.Mutex
	timer  *time.Timer
	last   string
	closed bool
	done   chan struct{}
}

// NewWatcher creates a watcher for listFile and, when it exists, moduleDir.
// The list file's parent directory is watched rather than the file itself so
// editors that replace the file on save are still noticed.
func NewWatcher(listFile, moduleDir string, debounce time.Duration, logger *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	absList, err := filepath.Abs(listFile)
	if err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to resolve %s", listFile)
	}
	if err := fw.Add(filepath.Dir(absList)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(absList))
	}

	var absDir string
	if moduleDir != "" {
		if absDir, err = filepath.Abs(moduleDir); err == nil {
			if info, statErr := os.Stat(absDir); statErr == nil && info.IsDir() {
				if err := fw.Add(absDir); err != nil {
					fw.Close()
					return nil, errors.Wrapf(err, "failed to watch module directory %s", absDir)
				}
			} else {
				logger.Debugw("Module directory not present, not watching", "path", absDir)
				absDir = ""
			}
		}
	}

	return &Watcher{
		listFile:  absList,
		moduleDir: absDir,
		watcher:   fw,
		logger:    logger,
		debounce:  debounce,
		out:       make(chan string, 1),
		done:      make(chan struct{}),
	}, nil
}

// Changes returns the channel of settled change notifications
func (w *Watcher) Changes() <-chan string {
	return w.out
}

// Start begins watching in a background goroutine
func (w *Watcher) Start() {
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Infow("Detected change", "path", event.Name, "op", event.Op.String())
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Watcher error", "error", err)
		}
	}
}

// relevant filters events down to the list file and files in the module directory
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if isEditorArtifact(event.Name) {
		return false
	}
	if filepath.Clean(event.Name) == w.listFile {
		return true
	}
	if w.moduleDir != "" && filepath.Dir(filepath.Clean(event.Name)) == w.moduleDir {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return false
		}
		return true
	}
	return false
}

// schedule debounces rapid changes into a single notification
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.last = path
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.emit)
}

func (w *Watcher) emit() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	select {
	case w.out <- w.last:
	default:
		w.logger.Debugw("Change already pending, coalescing", "path", w.last)
	}
}

// Stop stops watching and closes the Changes channel
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	close(w.out)
	return err
}

// isEditorArtifact skips swap and backup files written by editors
func isEditorArtifact(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		strings.HasPrefix(base, ".#") ||
		base == "4913" // vim write probe
}
