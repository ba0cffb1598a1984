package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestTailer starts a Tailer rooted at a temp dir and returns it along
// with a cancel func. Callers must call cancel() when done.
func newTestTailer(t *testing.T) (*Tailer, string, context.CancelFunc) {
	t.Helper()
	root := t.TempDir()
	tl, err := New(root, "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := tl.Run(ctx); err != nil {
			t.Logf("tailer.Run: %v", err)
		}
	}()
	// Give the watcher a moment to register the root directory.
	time.Sleep(30 * time.Millisecond)
	return tl, root, cancel
}

func collect(t *testing.T, tl *Tailer, n int, timeout time.Duration) []Record {
	t.Helper()
	var got []Record
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case rec := <-tl.Records():
			got = append(got, rec)
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, got %d: %+v", n, len(got), got)
		}
	}
	return got
}

func TestTailer_CompletenessAcrossWrites(t *testing.T) {
	tl, root, cancel := newTestTailer(t)
	defer cancel()

	path := filepath.Join(root, "s1.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"system","sessionId":"a1"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	recs := collect(t, tl, 1, 2*time.Second)
	if !recs[0].IsFirst {
		t.Fatal("expected first record to be flagged IsFirst")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"user","sessionId":"a1"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"user","sessionId":"a1","n":2}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	more := collect(t, tl, 2, 2*time.Second)
	if more[0].IsFirst || more[1].IsFirst {
		t.Fatal("only the very first record should be flagged IsFirst")
	}
}

func TestTailer_SplitWriteHoldsPartialLine(t *testing.T) {
	tl, root, cancel := newTestTailer(t)
	defer cancel()

	path := filepath.Join(root, "s2.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"system","sessionId":"a2"}`+"\n"+`{"type":"user","sessio`), 0o600); err != nil {
		t.Fatal(err)
	}

	recs := collect(t, tl, 1, 2*time.Second)
	if string(recs[0].Raw) != `{"type":"system","sessionId":"a2"}` {
		t.Fatalf("unexpected first record: %s", recs[0].Raw)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`nId":"a2"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	more := collect(t, tl, 1, 2*time.Second)
	if string(more[0].Raw) != `{"type":"user","sessionId":"a2"}` {
		t.Fatalf("partial line was not reassembled correctly: %s", more[0].Raw)
	}
}

func TestTailer_MalformedLineAdvancesOffsetButDoesNotBlockLaterLines(t *testing.T) {
	tl, root, cancel := newTestTailer(t)
	defer cancel()

	path := filepath.Join(root, "s3.jsonl")
	content := "not json at all\n" + `{"type":"system","sessionId":"a3"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	recs := collect(t, tl, 2, 2*time.Second)
	if string(recs[0].Raw) != "not json at all" {
		t.Fatalf("expected malformed line to still be forwarded, got %s", recs[0].Raw)
	}
	if string(recs[1].Raw) != `{"type":"system","sessionId":"a3"}` {
		t.Fatalf("unexpected second record: %s", recs[1].Raw)
	}
}

func TestTailer_HistoryFileNeverOpened(t *testing.T) {
	root := t.TempDir()
	historyPath := filepath.Join(root, "history.jsonl")
	tl, err := New(root, historyPath, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tl.Run(ctx)
	time.Sleep(30 * time.Millisecond)

	if err := os.WriteFile(historyPath, []byte(`{"type":"user","sessionId":"secret"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case rec := <-tl.Records():
		t.Fatalf("history.jsonl must never be tailed, got record: %+v", rec)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing emitted
	}
}
