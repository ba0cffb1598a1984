// Package tailer converts append-only Claude Code session JSONL files into
// a stream of raw per-line records, read exactly once, without ever
// re-reading old content (§4.1).
package tailer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one raw JSONL line read from a session file, paired with the
// session id it belongs to and whether it is the first record the tailer
// has ever parsed from that file.
type Record struct {
	SessionID string
	Path      string
	Raw       []byte
	IsFirst   bool
}

// fileState is the tailer's per-file parser state (§3). It is owned
// exclusively by the goroutine processing that file's changes.
type fileState struct {
	path         string
	lastOffset   int64
	sessionID    string
	sessionEnded bool
	seenFirst    bool
}

// Tailer owns the filesystem watcher and the per-file parser state for
// every session file under its root. It is safe to construct once per
// Monitor process.
type Tailer struct {
	root        string
	historyPath string
	debounce    time.Duration

	w *watcher

	mu    sync.Mutex
	files map[string]*fileState

	out  chan Record
	stop chan struct{}
}

// New creates a Tailer rooted at root, excluding historyPath from ever
// being opened. debounce bounds filesystem-watch signals to at most one
// per path per window (default 100ms).
func New(root, historyPath string, debounce time.Duration) (*Tailer, error) {
	w, err := newWatcher(debounce)
	if err != nil {
		return nil, err
	}
	return &Tailer{
		root:        root,
		historyPath: historyPath,
		debounce:    debounce,
		w:           w,
		files:       make(map[string]*fileState),
		out:         make(chan Record, 1024),
		stop:        make(chan struct{}),
	}, nil
}

// Records returns the channel of parsed records, in file-order per file.
// There is no ordering guarantee across distinct files.
func (t *Tailer) Records() <-chan Record {
	return t.out
}

// Run starts watching the root tree and processing filesystem-watch
// signals until ctx is canceled. It seeds baseline state for files that
// already exist, then blocks on the watcher's debounced change stream.
func (t *Tailer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.root, 0o700); err != nil {
		return err
	}
	if err := t.w.addTree(t.root); err != nil {
		return err
	}

	existing, err := discoverSessionFiles(t.root, t.historyPath)
	if err != nil {
		return err
	}
	for _, path := range existing {
		t.handleCreated(path)
	}

	go t.w.run(t.stop)

	for {
		select {
		case <-ctx.Done():
			close(t.stop)
			return nil

		case ch, ok := <-t.w.out:
			if !ok {
				return nil
			}
			t.handleChange(ch)
		}
	}
}

func (t *Tailer) handleChange(ch Change) {
	if !isSessionFile(ch.Path, t.historyPath) {
		return
	}

	switch ch.Op {
	case OpCreated:
		t.handleCreated(ch.Path)
	case OpModified:
		t.handleModified(ch.Path)
	case OpRemoved, OpRenamed:
		t.handleRemoved(ch.Path)
	}
}

func (t *Tailer) handleCreated(path string) {
	t.mu.Lock()
	if _, exists := t.files[path]; exists {
		t.mu.Unlock()
		t.handleModified(path)
		return
	}
	st := &fileState{
		path:      path,
		sessionID: sessionIDFromPath(path),
	}
	t.files[path] = st
	t.mu.Unlock()

	t.readFrom(st, 0)
}

func (t *Tailer) handleModified(path string) {
	t.mu.Lock()
	st, ok := t.files[path]
	if !ok {
		st = &fileState{path: path, sessionID: sessionIDFromPath(path)}
		t.files[path] = st
	}
	t.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		// The file may have been removed between the debounced signal and
		// this read; treat it as a removal rather than surfacing an error
		// for a condition that resolves itself momentarily.
		if os.IsNotExist(err) {
			t.handleRemoved(path)
		}
		return
	}
	if info.Size() < st.lastOffset {
		log.Printf("tailer: %s shrank (size=%d offset=%d), re-reading from 0", path, info.Size(), st.lastOffset)
		st.lastOffset = 0
	}

	t.readFrom(st, st.lastOffset)
}

func (t *Tailer) handleRemoved(path string) {
	t.mu.Lock()
	delete(t.files, path)
	t.mu.Unlock()
}

// readFrom seeks to offset and reads every complete newline-terminated
// line to EOF, emitting one Record per line and advancing st.lastOffset
// past each consumed line. Lines are not decoded here: a malformed line
// is emitted like any other and left for the privacy filter to drop. A
// trailing partial line is left unconsumed: st.lastOffset stops short of
// it, so the next readFrom call re-seeks to its start and reads it fresh
// alongside whatever new bytes complete it. Nothing is held across calls,
// so a line is never emitted twice. I/O errors on this file are isolated
// here and never propagate to other files' tailing.
func (t *Tailer) readFrom(st *fileState, offset int64) {
	f, err := os.Open(st.path)
	if err != nil {
		log.Printf("tailer: open %s: %v", st.path, err)
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			log.Printf("tailer: seek %s: %v", st.path, err)
			return
		}
	}

	reader := bufio.NewReader(f)
	pos := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			log.Printf("tailer: read %s: %v", st.path, err)
			break
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: leave the offset before it so the
			// next call re-reads it in full once it's complete.
			break
		}

		pos += int64(len(line))
		t.emit(st, line[:len(line)-1])

		if err == io.EOF {
			break
		}
	}

	st.lastOffset = pos
}

func (t *Tailer) emit(st *fileState, line []byte) {
	// Only a line that is valid JSON can be the session's first record; a
	// malformed leading line must not consume the session-started flag.
	isFirst := !st.seenFirst && json.Valid(line)
	if isFirst {
		st.seenFirst = true
	}

	rec := Record{
		SessionID: st.sessionID,
		Path:      st.path,
		Raw:       line,
		IsFirst:   isFirst,
	}
	select {
	case t.out <- rec:
	default:
		log.Printf("tailer: records channel full, blocking on %s", st.path)
		t.out <- rec
	}
}

func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
