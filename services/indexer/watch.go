package indexer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher runs a collection pass whenever the watched artifact directories
// have been quiet for the debounce interval after a change.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	roots     []string
	quiet     time.Duration
	pass      func(ctx context.Context) error
	log       zerolog.Logger
}

// NewWatcher watches roots recursively. pass is invoked once at start and
// after every settled burst of changes.
func NewWatcher(roots []string, quiet time.Duration, pass func(ctx context.Context) error, log zerolog.Logger) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one directory to watch is required")
	}
	if pass == nil {
		return nil, errors.New("collection pass is required")
	}
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsWatcher: fsWatcher, roots: roots, quiet: quiet, pass: pass, log: log}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()

	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	w.runPass(ctx)

	timer := time.NewTimer(w.quiet)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.log.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch directory")
					}
				}
			}
			timer.Reset(w.quiet)

		case <-timer.C:
			w.runPass(ctx)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (w *Watcher) runPass(ctx context.Context) {
	if err := w.pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error().Err(err).Msg("collection pass failed")
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsWatcher.Add(path)
	})
}
