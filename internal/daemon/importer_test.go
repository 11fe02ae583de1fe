package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// makeTree builds:
//
//	notes.txt
//	photos/beach.png
//	photos/2024/map.svg
//	.peersync/state.db (hidden, ignored)
func makeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), "remember the milk")
	writeFile(t, filepath.Join(root, "photos", "beach.png"), "\x89PNG fake")
	writeFile(t, filepath.Join(root, "photos", "2024", "map.svg"), "<svg/>")
	writeFile(t, filepath.Join(root, ".peersync", "state.db"), "ignored")
	return root
}

func TestImporter_Import(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := makeTree(t)

	im, err := NewImporter(st, root, quietLogger())
	if err != nil {
		t.Fatalf("NewImporter() failed: %v", err)
	}

	stats, err := im.Import(ctx)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if stats.Folders != 2 || stats.Files != 3 {
		t.Errorf("stats = %+v, want 2 folders and 3 files", stats)
	}

	photosID, _ := im.ID(filepath.Join(root, "photos"))
	yearID, _ := im.ID(filepath.Join(root, "photos", "2024"))

	year, err := st.Folder(ctx, yearID)
	if err != nil {
		t.Fatalf("Folder(2024) failed: %v", err)
	}
	if year.Name != "2024" || year.ParentID != photosID {
		t.Errorf("2024 folder = %+v, want parent %s", year, photosID)
	}

	tests := []struct {
		rel      string
		typ      string
		kind     chunk.Kind
		folderID string
		content  string
	}{
		{"notes.txt", "text", chunk.KindText, "", "remember the milk"},
		{"photos/beach.png", "image", chunk.KindBinary, photosID, "\x89PNG fake"},
		{"photos/2024/map.svg", "svg", chunk.KindText, yearID, "<svg/>"},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			id, err := im.ID(filepath.Join(root, filepath.FromSlash(tt.rel)))
			if err != nil {
				t.Fatalf("ID() failed: %v", err)
			}
			f, err := st.FileRaw(ctx, id)
			if err != nil {
				t.Fatalf("FileRaw() failed: %v", err)
			}
			if f.Type != tt.typ || f.Content.Kind != tt.kind || f.FolderID != tt.folderID {
				t.Errorf("got type=%s kind=%s folder=%s", f.Type, f.Content.Kind, f.FolderID)
			}
			if string(f.Content.Data) != tt.content {
				t.Errorf("content = %q, want %q", f.Content.Data, tt.content)
			}
		})
	}

	s, _ := st.Stats(ctx)
	if s.Unsynced != 5 {
		t.Errorf("unsynced changes = %d, want 5", s.Unsynced)
	}
}

func TestImporter_ReimportIsQuiet(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := makeTree(t)
	im, _ := NewImporter(st, root, quietLogger())

	if _, err := im.Import(ctx); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	before, _ := st.Stats(ctx)

	stats, err := im.Import(ctx)
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if stats.Files != 0 || stats.Folders != 0 || stats.Unchanged != 5 {
		t.Errorf("stats = %+v, want everything unchanged", stats)
	}

	after, _ := st.Stats(ctx)
	if after.Changes != before.Changes {
		t.Errorf("change log grew from %d to %d", before.Changes, after.Changes)
	}
}

func TestImporter_SyncPath(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := makeTree(t)
	im, _ := NewImporter(st, root, quietLogger())
	if _, err := im.Import(ctx); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	notes := filepath.Join(root, "notes.txt")
	notesID, _ := im.ID(notes)

	// Keep user metadata across a content change.
	f, _ := st.FileRaw(ctx, notesID)
	f.Description = "shopping"
	f.Tags = []string{"todo"}
	if _, err := st.SaveFile(ctx, *f); err != nil {
		t.Fatalf("SaveFile() failed: %v", err)
	}

	writeFile(t, notes, "remember the eggs")
	stats, err := im.SyncPath(ctx, notes)
	if err != nil {
		t.Fatalf("SyncPath(modified) failed: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("stats = %+v, want 1 file", stats)
	}
	f, _ = st.FileRaw(ctx, notesID)
	if string(f.Content.Data) != "remember the eggs" || f.Description != "shopping" || len(f.Tags) != 1 {
		t.Errorf("after edit: %+v", f)
	}

	// Removing a directory deletes its subtree.
	photos := filepath.Join(root, "photos")
	if err := os.RemoveAll(photos); err != nil {
		t.Fatalf("RemoveAll() failed: %v", err)
	}
	stats, err = im.SyncPath(ctx, photos)
	if err != nil {
		t.Fatalf("SyncPath(removed dir) failed: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("stats = %+v, want 1 deletion", stats)
	}
	s, _ := st.Stats(ctx)
	if s.Folders != 0 || s.Files != 1 {
		t.Errorf("store has %d folders and %d files, want 0 and 1", s.Folders, s.Files)
	}

	// A second removal event for a path already gone is harmless.
	beach := filepath.Join(photos, "beach.png")
	if _, err := im.SyncPath(ctx, beach); err != nil {
		t.Errorf("SyncPath(already deleted) failed: %v", err)
	}

	// New directories are imported with their contents.
	writeFile(t, filepath.Join(root, "docs", "a.md"), "# A")
	stats, err = im.SyncPath(ctx, filepath.Join(root, "docs"))
	if err != nil {
		t.Fatalf("SyncPath(new dir) failed: %v", err)
	}
	if stats.Folders != 1 || stats.Files != 1 {
		t.Errorf("stats = %+v, want 1 folder and 1 file", stats)
	}
}

func TestImporter_PathsOutsideRoot(t *testing.T) {
	st := openTestStore(t)
	root := makeTree(t)
	im, _ := NewImporter(st, root, quietLogger())

	for _, path := range []string{root, filepath.Dir(root), filepath.Join(root, "..", "elsewhere")} {
		if _, err := im.ID(path); err == nil {
			t.Errorf("ID(%s) succeeded, want error", path)
		}
	}
}

func TestImporter_StableIDs(t *testing.T) {
	a, _ := NewImporter(openTestStore(t), makeTree(t), quietLogger())
	b, _ := NewImporter(openTestStore(t), makeTree(t), quietLogger())

	idA, _ := a.ID(filepath.Join(a.Root(), "photos", "beach.png"))
	idB, _ := b.ID(filepath.Join(b.Root(), "photos", "beach.png"))
	if idA != idB {
		t.Errorf("same relative path gave %s and %s", idA, idB)
	}
}

func TestNewImporter_Validation(t *testing.T) {
	st := openTestStore(t)
	file := filepath.Join(t.TempDir(), "plain.txt")
	writeFile(t, file, "x")

	if _, err := NewImporter(nil, t.TempDir(), nil); err == nil {
		t.Error("nil store accepted")
	}
	if _, err := NewImporter(st, "", nil); err == nil {
		t.Error("empty root accepted")
	}
	if _, err := NewImporter(st, file, nil); err == nil {
		t.Error("file root accepted")
	}
	if _, err := NewImporter(st, filepath.Join(t.TempDir(), "missing"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing root: err = %v", err)
	}
}

func TestFileType(t *testing.T) {
	tests := map[string]string{
		"a.txt":      "text",
		"README.MD":  "text",
		"logo.svg":   "svg",
		"IMG_1.JPG":  "image",
		"archive.gz": "binary",
		"noext":      "binary",
	}
	for name, want := range tests {
		if got := FileType(name); got != want {
			t.Errorf("FileType(%q) = %q, want %q", name, got, want)
		}
	}
}
