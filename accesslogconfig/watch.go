// Copyright 2025-2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accesslogconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// WatchCallback observes each reload attempt. err is non-nil when the file
// could not be reloaded or decoded, in which case the bindings are left as
// they were. The callback must not call Stop.
type WatchCallback func(s Settings, err error)

// WatchOption configures a Watcher.
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce time.Duration
	logger   *slog.Logger
}

// WithDebounce collapses change events arriving within d into one reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		o.debounce = d
	}
}

// WithLogger sets the logger reload outcomes are reported to. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) WatchOption {
	return func(o *watchOptions) {
		o.logger = logger
	}
}

// Watcher reloads a Config when its file changes and applies it to a set of
// Bindings.
type Watcher struct {
	cfg      *Config
	bindings Bindings
	watcher  *fsnotify.Watcher
	callback WatchCallback
	debounce time.Duration
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	reloads sync.WaitGroup
}

// Watch prepares a Watcher for cfg. The directory holding the file is
// watched so editors that replace the file are followed. Call Start or
// StartAsync to begin and Stop to release the watch.
func Watch(cfg *Config, b Bindings, callback WatchCallback, opts ...WatchOption) (*Watcher, error) {
	if cfg == nil || cfg.isBytes || cfg.path == "" {
		return nil, ErrNotReloadable
	}

	options := &watchOptions{debounce: defaultDebounce}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("accesslogconfig: create watcher: %w", err)
	}
	dir := filepath.Dir(cfg.path)
	if err := fsWatcher.Add(dir); err != nil {
		return nil, errors.Join(
			fmt.Errorf("accesslogconfig: watch directory %s: %w", dir, err),
			fsWatcher.Close(),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:      cfg,
		bindings: b,
		watcher:  fsWatcher,
		callback: callback,
		debounce: options.debounce,
		logger:   options.logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the watch loop on the calling goroutine until Stop.
func (w *Watcher) Start() {
	if !w.markRunning() {
		return
	}
	w.run()
}

// StartAsync runs the watch loop on a new goroutine.
func (w *Watcher) StartAsync() {
	if !w.markRunning() {
		return
	}
	go w.run()
}

// markRunning flips the running flag, reporting whether the caller should
// start the loop.
func (w *Watcher) markRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.ctx.Err() != nil {
		return false
	}
	w.running = true
	return true
}

// Stop ends the watch loop and releases the watch. It returns after the loop
// and any reload already under way have finished, so the bindings and the
// callback are not touched afterwards.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.cancel()
	running := w.running
	w.mu.Unlock()

	err := w.watcher.Close()
	if running {
		<-w.done
	}
	w.reloads.Wait()
	return err
}

// run is the watch loop.
func (w *Watcher) run() {
	defer close(w.done)
	filename := filepath.Base(w.cfg.path)

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, filename)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(DefaultSettings(), fmt.Errorf("accesslogconfig: watch error: %w", err))
		}
	}
}

// handleEvent schedules a debounced reload for changes to the watched file.
func (w *Watcher) handleEvent(event fsnotify.Event, filename string) {
	if filepath.Base(event.Name) != filename {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire runs a debounced reload unless Stop got there first.
func (w *Watcher) fire() {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.reloads.Add(1)
	w.mu.Unlock()

	defer w.reloads.Done()
	w.reload()
}

// reload re-reads the file and applies it to the bindings.
func (w *Watcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		w.report(DefaultSettings(), err)
		return
	}
	s, err := w.cfg.Settings()
	if err != nil {
		w.report(s, err)
		return
	}
	w.bindings.apply(s)
	w.report(s, nil)
}

// report logs the outcome and forwards it to the callback.
func (w *Watcher) report(s Settings, err error) {
	if err != nil {
		w.logger.Warn("access log config reload failed", slog.String("path", w.cfg.path), slog.Any("error", err))
	} else {
		w.logger.Info("access log config reloaded",
			slog.String("path", w.cfg.path),
			slog.Bool("enabled", s.Enabled),
			slog.String("service_name", s.ServiceName),
		)
	}
	if w.callback != nil {
		w.callback(s, err)
	}
}
