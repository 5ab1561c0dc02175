package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
)

// Callback receives every archive that was created or written.
type Callback func(models.FileRef)

// Watcher reports mission archives that change anywhere below a root
// directory. Subdirectories created after startup are watched as they appear.
type Watcher struct {
	root     string
	ext      string
	fsw      *fsnotify.Watcher
	onChange Callback
	logger   *zap.SugaredLogger
}

// New starts watching root and every directory below it. Failure to set up
// the watch on root is returned; subdirectories that cannot be watched are
// logged and skipped.
func New(root, ext string, onChange Callback) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve watch root %s", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "stat watch root %s", abs)
	}
	if !info.IsDir() {
		return nil, errors.Newf("watch root %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", abs)
	}

	if ext == "" {
		ext = ".miz"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	w := &Watcher{
		root:     abs,
		ext:      strings.ToLower(ext),
		fsw:      fsw,
		onChange: onChange,
		logger:   logger.ComponentLogger("watcher"),
	}
	w.addTree(abs, false)
	return w, nil
}

// Root is the absolute directory being watched.
func (w *Watcher) Root() string {
	return w.root
}

// Run dispatches file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Infow("Watching for mission archives", logger.FieldPath, w.root, "extension", w.ext)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("Watcher error", logger.FieldError, err)
		}
	}
}

// Close stops the underlying fsnotify watcher. Safe to call repeatedly.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		// Removed or renamed before we got to it.
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			w.addTree(event.Name, true)
		}
		return
	}
	w.emit(event.Name, info)
}

// addTree watches dir and its subdirectories. When report is set, archives
// already present in the tree are emitted, which covers directories moved in
// whole.
func (w *Watcher) addTree(dir string, report bool) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warnw("Skipping unreadable path", logger.FieldPath, path, logger.FieldError, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != w.root {
				if err := w.fsw.Add(path); err != nil {
					w.logger.Warnw("Failed to watch directory", logger.FieldPath, path, logger.FieldError, err)
					return filepath.SkipDir
				}
				w.logger.Debugw("Watching directory", logger.FieldPath, path)
			}
			return nil
		}
		if report {
			if info, err := d.Info(); err == nil {
				w.emit(path, info)
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warnw("Failed to walk directory", logger.FieldPath, dir, logger.FieldError, err)
	}
}

func (w *Watcher) emit(path string, info fs.FileInfo) {
	if !w.Matches(path) || info.Size() == 0 {
		return
	}
	w.logger.Debugw("Archive changed", logger.FieldPath, path, logger.FieldSize, info.Size())
	if w.onChange != nil {
		w.onChange(models.FileRef{
			Path:       path,
			Size:       info.Size(),
			Exists:     true,
			ObservedAt: time.Now(),
		})
	}
}

// Matches reports whether path carries the archive extension, ignoring case.
func (w *Watcher) Matches(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == w.ext
}
