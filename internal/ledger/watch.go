package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

var errWatcherClosed = errors.New("ledger watcher closed")

// Wait blocks until the record with id is no longer pending. It watches the
// ledger directory, so resolutions written by other processes wake it too.
func (l *Ledger) Wait(ctx context.Context, id string) (Record, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Record{}, fmt.Errorf("create ledger watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.store.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create ledger dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return Record{}, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.store.path)
	for {
		rec, err := l.Get(id)
		if err != nil {
			return Record{}, err
		}
		if rec.Status != StatusPending {
			return rec, nil
		}
		if err := waitForChange(ctx, watcher, target); err != nil {
			return rec, err
		}
	}
}

func waitForChange(ctx context.Context, watcher *fsnotify.Watcher, target string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}
			return fmt.Errorf("watch ledger: %w", err)
		}
	}
}
