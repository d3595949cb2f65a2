// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package watch feeds filesystem change events into the engine's
// invalidation entry point: a file bound to a root task marks that task
// stale whenever the file changes, so the next read of any dependent
// recomputes against fresh content.
//
// The watcher is deliberately dumb. It doesn't read file content,
// doesn't debounce, and doesn't decide whether the change was
// meaningful; the engine's value-equal short-circuit already stops
// recomputation cascades when re-read content turns out identical.
package watch

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/go-taskgraph/internal/ids"
)

// Invalidator is the slice of the engine the watcher needs: the
// externally-sourced invalidation entry point.
type Invalidator interface {
	Invalidate(ids.TaskID) error
}

// Watcher maps watched files to root tasks.
type Watcher struct {
	logger hclog.Logger
	inv    Invalidator
	fs     *fsnotify.Watcher

	mu       sync.Mutex
	bindings map[string][]ids.TaskID
	closed   bool

	eg *errgroup.Group
}

// NewWatcher starts a watcher that reports changes into inv.
func NewWatcher(inv Invalidator, logger hclog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger:   logger.Named("watch"),
		inv:      inv,
		fs:       fs,
		bindings: make(map[string][]ids.TaskID),
		eg:       new(errgroup.Group),
	}
	w.eg.Go(w.loop)
	return w, nil
}

// Bind watches path and invalidates task whenever it changes. Multiple
// tasks may be bound to one path; a removed or renamed file stays bound
// to its original name, and rebinding after replacement is the
// caller's concern.
func (w *Watcher) Bind(path string, task ids.TaskID) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fsnotify.ErrClosed
	}
	if _, ok := w.bindings[abs]; !ok {
		if err := w.fs.Add(abs); err != nil {
			return err
		}
	}
	w.bindings[abs] = append(w.bindings[abs], task)
	w.logger.Debug("bound file to task", "path", abs, "task", task)
	return nil
}

func (w *Watcher) loop() error {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	w.mu.Lock()
	tasks := append([]ids.TaskID(nil), w.bindings[abs]...)
	w.mu.Unlock()

	for _, task := range tasks {
		w.logger.Debug("file changed, invalidating", "path", abs, "task", task)
		if err := w.inv.Invalidate(task); err != nil {
			// The task may have been collected since it was bound;
			// nothing to invalidate then.
			w.logger.Warn("invalidation failed", "task", task, "error", err)
		}
	}
}

// Close stops watching and waits for the event loop to drain.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fs.Close()
	w.eg.Wait()
	return err
}
