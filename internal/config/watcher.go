// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/braid-chat/braid/internal/logging"
)

// debounceWindow coalesces the burst of events editors emit per save.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file on change and hands valid snapshots to a
// callback. Invalid intermediate states (half-written files) are logged and
// skipped; the last good config stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)

	fs       *fsnotify.Watcher
	mu       sync.Mutex
	debounce *time.Timer
	done     chan struct{}
	once     sync.Once
}

// NewWatcher watches path. Watching the parent directory rather than the
// file itself survives the rename dance atomic writers perform.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		fs:       fs,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.L().WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceWindow, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		logging.L().WithError(err).Warn("ignoring invalid config change")
		return
	}
	logging.L().WithField("path", w.path).Info("configuration reloaded")
	w.onChange(cfg)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		err = w.fs.Close()
	})
	return err
}
