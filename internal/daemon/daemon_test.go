package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemon_ImportsAndWatches(t *testing.T) {
	st := openTestStore(t)
	root := makeTree(t)

	var imports atomic.Int32
	d, err := NewWithConfig(st, root, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           quietLogger(),
		OnImport:         func(ImportStats) { imports.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	im := d.Importer()
	notesID, _ := im.ID(filepath.Join(root, "notes.txt"))
	waitFor(t, "initial import", func() bool {
		_, err := st.FileRaw(context.Background(), notesID)
		return err == nil
	})

	// A file in a directory created after start.
	added := filepath.Join(root, "later", "new.txt")
	addedID, _ := im.ID(added)
	if err := os.Mkdir(filepath.Join(root, "later"), 0o755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, added, "fresh")

	waitFor(t, "new file", func() bool {
		f, err := st.FileRaw(context.Background(), addedID)
		return err == nil && string(f.Content.Data) == "fresh"
	})

	if err := os.Remove(filepath.Join(root, "notes.txt")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitFor(t, "deletion", func() bool {
		_, err := st.FileRaw(context.Background(), notesID)
		return errors.Is(err, store.ErrNotFound)
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if imports.Load() == 0 {
		t.Error("OnImport was never called")
	}
}

func TestDaemon_StopFlushesPending(t *testing.T) {
	st := openTestStore(t)
	root := t.TempDir()

	d, err := NewWithConfig(st, root, &Config{DebounceInterval: time.Hour, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	path := filepath.Join(root, "pending.txt")
	writeFile(t, path, "queued")
	d.queueChange(path)

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	id, _ := d.Importer().ID(path)
	if _, err := st.FileRaw(context.Background(), id); err != nil {
		t.Errorf("pending change was not flushed: %v", err)
	}
}

func TestEventOp_String(t *testing.T) {
	tests := map[EventOp]string{
		OpCreate:    "create",
		OpModify:    "modify",
		OpDelete:    "delete",
		EventOp(42): "unknown",
	}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("EventOp(%d).String() = %q, want %q", int(op), got, want)
		}
	}
}

func TestFileWatcher_IgnoresHidden(t *testing.T) {
	root := t.TempDir()
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(root); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(root); err == nil {
		t.Error("second Start() succeeded")
	}

	writeFile(t, filepath.Join(root, ".hidden"), "x")
	writeFile(t, filepath.Join(root, "shown.txt"), "x")

	select {
	case ev := <-fw.Events():
		if filepath.Base(ev.Path) != "shown.txt" {
			t.Errorf("first event for %s, want shown.txt", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	if !fw.IsRunning() {
		t.Error("IsRunning() = false while started")
	}
}
