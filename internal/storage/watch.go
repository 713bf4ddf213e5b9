package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

// ChangeOp is the kind of change a TableEvent reports.
type ChangeOp string

// Change kinds.
const (
	// ChangeWritten is reported when a table file is created or replaced.
	ChangeWritten ChangeOp = "written"
	// ChangeRemoved is reported when a table file disappears.
	ChangeRemoved ChangeOp = "removed"
	// ChangeError is reported when the watcher failed; Err is set. Events
	// may have been lost, such as on a kernel queue overflow.
	ChangeError ChangeOp = "error"
)

// TableEvent reports that a table was changed, by this process or another.
type TableEvent struct {
	Table string
	Op    ChangeOp
	// Err is only set for ChangeError.
	Err error
}

// Watch reports changes to the namespace's tables until ctx is canceled, at
// which point the channel is closed. A single write may be reported more
// than once.
//
// Only the document backend supports watching.
func (db *DB) Watch(ctx context.Context) (<-chan TableEvent, error) {
	if db.backend != BackendDocument {
		return nil, dberrors.Configuration("watching requires the %s backend, current backend is %s", BackendDocument, db.backend)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, dberrors.Configuration("failed to create watcher").Wrap(err)
	}
	if err := w.Add(db.dir); err != nil {
		_ = w.Close()
		return nil, dberrors.Configuration("failed to watch %s", db.dir).Wrap(fmt.Errorf("failed to add watch: %w", err))
	}
	ch := make(chan TableEvent, 16)
	go func() {
		defer func() { _ = w.Close() }()
		forward(ctx, db.dir, w.Events, w.Errors, ch)
	}()
	return ch, nil
}

// forward relays watcher events and errors to out until ctx is canceled or
// a source closes, then closes out.
func forward(ctx context.Context, dir string, events <-chan fsnotify.Event, errs <-chan error, out chan<- TableEvent) {
	defer close(out)
	for {
		var ev TableEvent
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if ev, ok = toTableEvent(event); !ok {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			slog.WarnContext(ctx, "watcher error", "dir", dir, "err", err)
			ev = TableEvent{Op: ChangeError, Err: fmt.Errorf("watching %s: %w", dir, err)}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// toTableEvent maps a filesystem event to a table event. Lock and temporary
// files are ignored; the atomic replace shows up as a create of the table
// file.
func toTableEvent(event fsnotify.Event) (TableEvent, bool) {
	name, ok := tableName(filepath.Base(event.Name))
	if !ok {
		return TableEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return TableEvent{Table: name, Op: ChangeWritten}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return TableEvent{Table: name, Op: ChangeRemoved}, true
	}
	return TableEvent{}, false
}
