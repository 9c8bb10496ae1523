// Package watch delivers recursive filesystem change events for a directory.
package watch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 64

var ErrWatcherClosed = errors.New("watcher closed")

// FilterCallback returns true if the event for path should be dropped.
type FilterCallback func(path string) bool

// Watcher subscribes recursively to a directory and forwards surviving
// events on a buffered channel. It never blocks the event source: when the
// consumer falls behind, events are dropped with a warning — the pipeline's
// full-mirror semantics make missed events harmless.
type Watcher struct {
	dir       string
	filter    FilterCallback
	events    chan notify.EventInfo
	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
}

func New(dir string, filter FilterCallback) *Watcher {
	return &Watcher{
		dir:    dir,
		filter: filter,
	}
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan notify.EventInfo, eventBufferSize)
	w.done = make(chan struct{})

	recursivePath := w.dir + "/..."
	if err := notify.Watch(recursivePath, w.rawEvents, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.filterEvents()

	w.started = true
	slog.Debug("watcher start", "dir", w.dir)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}

	close(w.done)
	notify.Stop(w.rawEvents)
	w.wg.Wait()

	w.started = false
	slog.Debug("watcher stop", "dir", w.dir)
}

// Events returns the filtered event channel. The channel is closed on Stop.
func (w *Watcher) Events() <-chan notify.EventInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Active reports whether the subscription is currently up.
func (w *Watcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Watcher) filterEvents() {
	defer func() {
		w.wg.Done()
		close(w.events)
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}

			if w.filter != nil && w.filter(event.Path()) {
				continue
			}

			select {
			case w.events <- event:
			default:
				slog.Warn("watcher dropped event", "reason", "channel full", "path", event.Path())
			}
		}
	}
}
