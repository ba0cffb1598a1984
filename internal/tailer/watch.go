package tailer

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp classifies a debounced filesystem-watch signal (§4.1).
type ChangeOp int

const (
	OpCreated ChangeOp = iota
	OpModified
	OpRemoved
	OpRenamed
)

func (op ChangeOp) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpRemoved:
		return "removed"
	case OpRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one debounced, per-path filesystem-watch signal.
type Change struct {
	Path string
	Op   ChangeOp
}

// watcher wraps fsnotify with per-path debouncing: at most one Change is
// emitted per path per debounce window (default 100ms, §4.1), coalescing
// bursts of writes from one append into a single "modified" signal. It
// also extends the watch to newly-created subdirectories, since fsnotify
// itself is not recursive.
type watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	out      chan Change

	mu      sync.Mutex
	pending map[string]ChangeOp
	timers  map[string]*time.Timer
}

func newWatcher(debounce time.Duration) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fsw:      fsw,
		debounce: debounce,
		out:      make(chan Change, 256),
		pending:  make(map[string]ChangeOp),
		timers:   make(map[string]*time.Timer),
	}
	return w, nil
}

// addTree registers root and every directory beneath it with the watcher.
func (w *watcher) addTree(root string) error {
	dirs, err := walkDirs(root)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := w.fsw.Add(d); err != nil {
			log.Printf("tailer: failed to watch %s: %v", d, err)
		}
	}
	return nil
}

// run drains fsnotify's event stream until stop is closed, debouncing each
// path's signals and extending the watch to new subdirectories as they
// appear.
func (w *watcher) run(stop <-chan struct{}) {
	defer close(w.out)
	defer w.fsw.Close()

	for {
		select {
		case <-stop:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("tailer: watch error: %v", err)
		}
	}
}

func (w *watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				log.Printf("tailer: failed to watch new dir %s: %v", ev.Name, err)
			}
			return
		}
		w.schedule(ev.Name, OpCreated)

	case ev.Has(fsnotify.Write):
		w.schedule(ev.Name, OpModified)

	case ev.Has(fsnotify.Remove):
		w.schedule(ev.Name, OpRemoved)

	case ev.Has(fsnotify.Rename):
		w.schedule(ev.Name, OpRenamed)
	}
}

// schedule debounces a path's signal: the first event for a quiescent path
// starts a timer, later events inside the window only update the pending
// op, and the timer emits one Change when the window ends. This gives at
// most one emission per path per debounce window.
func (w *watcher) schedule(path string, op ChangeOp) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A pending Created should not be downgraded to Modified by a write
	// that lands inside the same debounce window; the first open still
	// needs to start from offset 0.
	if existing, ok := w.pending[path]; ok && existing == OpCreated && op == OpModified {
		op = OpCreated
	}
	w.pending[path] = op

	if _, ok := w.timers[path]; ok {
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path)
	})
}

func (w *watcher) flush(path string) {
	w.mu.Lock()
	op, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()

	if !ok {
		return
	}
	select {
	case w.out <- Change{Path: path, Op: op}:
	default:
		log.Printf("tailer: change channel full, dropping signal for %s", path)
	}
}
