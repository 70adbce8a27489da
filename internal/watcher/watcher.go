// Package watcher ingests batch files dropped into an inbox directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 400 * time.Millisecond

	// ProcessedDir and FailedDir are the inbox subdirectories files are moved to
	// once handled.
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// HandleFunc ingests one batch file. A nil error moves the file to the processed
// directory, anything else to the failed directory.
type HandleFunc func(ctx context.Context, path string) error

// Watcher watches an inbox directory and hands settled batch files to a HandleFunc.
type Watcher struct {
	dir         string
	extensions  []string
	handle      HandleFunc
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	handleMu    sync.Mutex // one file at a time
	debounceMap map[string]*time.Timer
	ctx         context.Context
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must stay quiet before it is handled.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for dir. extensions filter which files are handled
// (empty = all).
func NewWatcher(dir string, extensions []string, handle HandleFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		extensions:  extensions,
		handle:      handle,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the inbox directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start creates the inbox and its subdirectories and begins watching. It runs until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.ctx = ctx
	w.started = true
	w.logger.Info("watching inbox", zap.String("dir", w.dir), zap.Strings("extensions", w.extensions))
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if filepath.Dir(path) != w.dir {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		if w.matchExtension(path) {
			w.debounceHandle(path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

func (w *Watcher) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		eNorm := strings.TrimPrefix(strings.ToLower(e), ".")
		extNorm := strings.TrimPrefix(strings.ToLower(ext), ".")
		if eNorm == extNorm {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceHandle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok && t.Stop() {
		w.wg.Done()
	}
	ctx := w.ctx
	var t *time.Timer
	w.wg.Add(1)
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.debounceMap[path] != t {
			w.mu.Unlock()
			return
		}
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.debounceMap[path] = t
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.debounceMap, path)
	}
}

// process hands path to the HandleFunc and moves it out of the inbox.
func (w *Watcher) process(ctx context.Context, path string) {
	w.handleMu.Lock()
	defer w.handleMu.Unlock()
	if _, err := os.Stat(path); err != nil {
		// Already handled by a sync pass, or removed by the user.
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}
	start := time.Now()
	err := w.handle(ctx, path)
	target := ProcessedDir
	if err != nil {
		target = FailedDir
		if errors.Is(err, context.Canceled) {
			// Leave the file for the next run.
			w.logger.Info("inbox file interrupted", zap.String("path", path))
			return
		}
		w.logger.Error("inbox file failed", zap.String("path", path), zap.Error(err))
	} else {
		w.logger.Info("inbox file ingested", zap.String("path", path), zap.Duration("took", time.Since(start)))
	}
	if _, err := moveTo(path, filepath.Join(w.dir, target)); err != nil {
		w.logger.Error("failed to move inbox file", zap.String("path", path), zap.String("to", target), zap.Error(err))
	}
}

// moveTo renames path into dir, adding a timestamp suffix when the name is taken.
func moveTo(path, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(filepath.Base(path), ext)
		dest = filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// SyncExistingFiles handles every matching file already in the inbox, in name order.
// Call it after Start to pick up files dropped while nothing was watching.
func (w *Watcher) SyncExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if w.matchExtension(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	w.logger.Debug("watcher syncing existing files", zap.Int("files", len(paths)))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cancelDebounce(path)
		w.process(ctx, path)
	}
	return nil
}

// Stop stops watching and waits for in-flight files to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}
