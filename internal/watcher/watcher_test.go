package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	fail  map[string]bool
}

func (r *recorder) handle(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, filepath.Base(path))
	if r.fail[filepath.Base(path)] {
		return errors.New("bad batch")
	}
	return nil
}

func (r *recorder) handled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func TestWatcher_Start_createsInboxLayout(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	w := NewWatcher(inbox, []string{".json"}, (&recorder{}).handle)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	for _, d := range []string{inbox, filepath.Join(inbox, ProcessedDir), filepath.Join(inbox, FailedDir)} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", d, err)
		}
	}
}

func TestWatcher_MovesHandledFiles(t *testing.T) {
	inbox := t.TempDir()
	rec := &recorder{fail: map[string]bool{"bad.jsonl": true}}
	w := NewWatcher(inbox, []string{".json", ".jsonl"}, rec.handle, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := writeFile(filepath.Join(inbox, "good.json"), "[]"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(inbox, "bad.jsonl"), "{}"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(inbox, "notes.txt"), "skip"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, filepath.Join(inbox, ProcessedDir, "good.json"))
	waitFor(t, filepath.Join(inbox, FailedDir, "bad.jsonl"))

	if _, err := os.Stat(filepath.Join(inbox, "notes.txt")); err != nil {
		t.Errorf("non-matching file should stay in the inbox: %v", err)
	}
	for _, name := range rec.handled() {
		if name == "notes.txt" {
			t.Errorf("notes.txt should not be handled")
		}
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	inbox := t.TempDir()
	for _, name := range []string{"b.jsonl", "a.json", "ignore.xyz"} {
		if err := writeFile(filepath.Join(inbox, name), "[]"); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	w := NewWatcher(inbox, []string{".json", ".jsonl"}, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.SyncExistingFiles(ctx); err != nil {
		t.Fatal(err)
	}

	got := rec.handled()
	if len(got) != 2 || got[0] != "a.json" || got[1] != "b.jsonl" {
		t.Errorf("handled = %v, want [a.json b.jsonl]", got)
	}
	for _, name := range []string{"a.json", "b.jsonl"} {
		if _, err := os.Stat(filepath.Join(inbox, ProcessedDir, name)); err != nil {
			t.Errorf("%s not moved to processed: %v", name, err)
		}
	}
}

func TestWatcher_CancelledHandleLeavesFile(t *testing.T) {
	inbox := t.TempDir()
	path := filepath.Join(inbox, "batch.json")
	if err := writeFile(path, "[]"); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(inbox, nil, func(context.Context, string) error { return context.Canceled })
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.SyncExistingFiles(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("interrupted file should stay in the inbox: %v", err)
	}
}

func TestMoveTo_avoidsOverwrite(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dest, "x.json"), "old"); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "x.json")
	if err := writeFile(src, "new"); err != nil {
		t.Fatal(err)
	}
	moved, err := moveTo(src, dest)
	if err != nil {
		t.Fatal(err)
	}
	if moved == filepath.Join(dest, "x.json") {
		t.Errorf("moveTo overwrote existing file")
	}
	if data, _ := os.ReadFile(filepath.Join(dest, "x.json")); string(data) != "old" {
		t.Errorf("existing file changed: %q", data)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.json", []string{".json"}, true},
		{"/a/b.JSONL", []string{".jsonl"}, true},
		{"/a/b.jsonl", []string{"json"}, false},
		{"/a/b.md", []string{".json"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		got := matchExtension(tt.path, tt.extensions)
		if got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
