package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when a saved state file changes. It watches the parent
// directory because saves replace the file by rename.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	// PollInterval re-checks periodically in case events are missed.
	PollInterval time.Duration
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{path: path, watcher: watcher, PollInterval: 2 * time.Second}, nil
}

// Changes returns a channel that receives a value after each change to the
// watched file (or its SQLite -wal sibling). Bursts are coalesced. The
// channel is closed when ctx is done.
func (w *Watcher) Changes(ctx context.Context) <-chan struct{} {
	changes := make(chan struct{}, 1)
	go w.loop(ctx, changes)
	return changes
}

func (w *Watcher) loop(ctx context.Context, changes chan<- struct{}) {
	defer close(changes)
	defer w.watcher.Close()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.matches(event) {
				notify(changes)
			}
		case <-ticker.C:
			notify(changes)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	base := filepath.Base(w.path)
	return name == base || strings.HasPrefix(name, base+"-")
}

func notify(changes chan<- struct{}) {
	select {
	case changes <- struct{}{}:
	default:
	}
}
