package watchdog

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Factory hands out directory watchers sharing one logger.
type Factory struct {
	logger *zap.Logger
}

func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{logger: logger}
}

// keepFunc decides whether a created path is forwarded. nil keeps all.
type keepFunc func(string) bool

// Watcher forwards file-creation events under its watched directories to a
// notification channel. The fuzzing loop uses one to import seeds dropped
// into the input directory after startup.
type Watcher struct {
	ctx        context.Context
	notifyChan chan<- string
	keep       keepFunc
	logger     *zap.Logger

	watcher *fsnotify.Watcher
}

// New starts a watcher. The notify channel is owned by the watcher and is
// closed when the context is done.
func (f *Factory) New(ctx context.Context, notifyChan chan<- string, keep keepFunc) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		ctx:        ctx,
		notifyChan: notifyChan,
		keep:       keep,
		logger:     f.logger,
		watcher:    fsWatcher,
	}
	go w.watch()
	return w, nil
}

// AddDir adds one existing directory to the watch list.
func (w *Watcher) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absDir); err != nil {
		return err
	}
	if err := w.watcher.Add(absDir); err != nil {
		return err
	}
	w.logger.Debug("watching directory", zap.String("dir", absDir))
	return nil
}

func (w *Watcher) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != fsnotify.Create {
		return
	}
	if w.keep != nil && !w.keep(event.Name) {
		w.logger.Debug("file ignored by filter", zap.String("file", event.Name))
		return
	}
	select {
	case w.notifyChan <- event.Name:
	case <-w.ctx.Done():
	}
}
