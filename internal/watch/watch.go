// Package watch turns file system activity under the roots' git directories
// into "root changed" events, and git lock files into heavy activity.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thiagokokada/vcslog/internal/debounce"
	"github.com/thiagokokada/vcslog/internal/logdata"
)

const DefaultDebounce = 350 * time.Millisecond

// DefaultStaleLock is how long a git lock file counts as heavy activity. A
// git process that crashed leaves its lock file behind.
const DefaultStaleLock = 10 * time.Minute

// ActivityStarter records the start of a heavy activity. heavy.Latch
// implements it.
type ActivityStarter interface {
	Start(name string) (end func())
}

type Option func(*Watcher)

func WithDebounce(delay time.Duration) Option {
	return func(w *Watcher) { w.delay = delay }
}

// WithHeavyActivity reports every git lock file as a heavy activity that
// lasts until the file is removed.
func WithHeavyActivity(starter ActivityStarter) Option {
	return func(w *Watcher) { w.heavy = starter }
}

// WithStaleLockAfter ends the heavy activity of a lock file that still
// exists after d.
func WithStaleLockAfter(d time.Duration) Option {
	return func(w *Watcher) { w.staleAfter = d }
}

type heldLock struct {
	end   func()
	timer *time.Timer
}

// Watcher reports changes of each root at most once per debounce window.
type Watcher struct {
	onChange   func(root logdata.Root)
	delay      time.Duration
	heavy      ActivityStarter
	staleAfter time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu         sync.Mutex
	dirs       map[string]logdata.Root
	debouncers map[logdata.Root]*debounce.Debouncer
	locks      map[string]*heldLock
	closed     bool
}

func New(roots []logdata.Root, onChange func(root logdata.Root), opts ...Option) (*Watcher, error) {
	if onChange == nil {
		panic("watch: nil change callback")
	}
	w := &Watcher{
		onChange:   onChange,
		delay:      DefaultDebounce,
		staleAfter: DefaultStaleLock,
		done:       make(chan struct{}),
		dirs:       map[string]logdata.Root{},
		debouncers: map[logdata.Root]*debounce.Debouncer{},
		locks:      map[string]*heldLock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, root := range roots {
		for _, path := range watchPaths(string(root)) {
			slog.Debug("adding path to FS watcher", slog.String("path", path), slog.String("root", string(root)))
			if err := watcher.Add(path); err != nil {
				err := errors.Join(err, watcher.Close())
				return nil, fmt.Errorf("watch %s: %w", path, err)
			}
			w.dirs[filepath.Clean(path)] = root
		}
	}
	w.watcher = watcher
	go w.loop()
	return w, nil
}

// watchPaths returns the git directory of root and its ref directories, or
// root itself when it has no .git directory.
func watchPaths(root string) []string {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return []string{root}
	}
	paths := []string{gitDir}
	for _, sub := range []string{"refs/heads", "refs/tags"} {
		dir := filepath.Join(gitDir, filepath.FromSlash(sub))
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			paths = append(paths, dir)
		}
	}
	return paths
}

func isLockFile(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".lock"
}

func shouldIgnoreWatchPath(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".ipc"
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if shouldIgnoreWatchPath(ev.Name) {
		return
	}
	root, ok := w.rootOf(ev.Name)
	if !ok {
		return
	}
	slog.Debug("fsnotify event",
		slog.String("op", ev.Op.String()),
		slog.String("path", ev.Name),
	)
	if isLockFile(ev.Name) {
		w.trackLock(ev)
		return
	}
	w.schedule(root)
}

func (w *Watcher) rootOf(name string) (logdata.Root, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	root, ok := w.dirs[filepath.Dir(filepath.Clean(name))]
	return root, ok
}

func (w *Watcher) trackLock(ev fsnotify.Event) {
	if w.heavy == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var end func()
	held, ok := w.locks[ev.Name]
	switch {
	case ev.Op.Has(fsnotify.Create) && !ok:
		h := &heldLock{end: w.heavy.Start("git lock " + filepath.Base(ev.Name))}
		h.timer = time.AfterFunc(w.staleAfter, func() { w.expireLock(ev.Name, h) })
		w.locks[ev.Name] = h
	case ok && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)):
		delete(w.locks, ev.Name)
		held.timer.Stop()
		end = held.end
	}
	w.mu.Unlock()
	// Ending the last activity runs work queued behind it.
	if end != nil {
		end()
	}
}

func (w *Watcher) expireLock(path string, h *heldLock) {
	w.mu.Lock()
	if w.closed || w.locks[path] != h {
		w.mu.Unlock()
		return
	}
	delete(w.locks, path)
	w.mu.Unlock()
	slog.Warn("git lock file outlived its process, ignoring it",
		slog.String("path", path), slog.Duration("after", w.staleAfter))
	h.end()
}

func (w *Watcher) schedule(root logdata.Root) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	d := w.debouncers[root]
	if d == nil {
		d = debounce.New(w.delay, func() {
			slog.Debug("root changed", slog.String("root", string(root)))
			w.onChange(root)
		})
		w.debouncers[root] = d
	}
	d.Trigger()
}

// Close stops watching, drops pending change events and ends the heavy
// activities of lock files still present.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, d := range w.debouncers {
		d.Stop()
	}
	ends := make([]func(), 0, len(w.locks))
	for path, h := range w.locks {
		delete(w.locks, path)
		h.timer.Stop()
		ends = append(ends, h.end)
	}
	w.mu.Unlock()
	for _, end := range ends {
		end()
	}
	err := w.watcher.Close()
	<-w.done
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}
