// Package hotplug turns udev symlink churn into wakeups for the control
// loop.
package hotplug

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/tierd/pkg/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher signals when entries appear in or vanish from a directory such
// as /dev/disk/by-uuid. Bursts of changes coalesce into one signal.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New starts watching dir
func New(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		watcher: fw,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// C receives a value after each burst of changes
func (w *Watcher) C() <-chan struct{} {
	return w.wake
}

// Run forwards events until ctx is done or Close is called
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithComponent("hotplug")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Device change")
			w.signal()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Str("dir", w.dir).Msg("Watch error")
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close stops the watch
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
