package store

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// fakeClock hands out strictly increasing times one second apart.
func fakeClock(start int64) func() time.Time {
	var n atomic.Int64
	n.Store(start)
	return func() time.Time {
		return time.UnixMilli(n.Add(1000))
	}
}

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(testDBPath(t),
		WithClock(fakeClock(1_700_000_000_000)),
		WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}

	tables := []string{"meta", "folders", "files", "change_log"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := st.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	before, err := st.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if before == "" {
		t.Fatal("DeviceID() is empty")
	}

	if err := st.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	after, _ := st.DeviceID(ctx)
	if after != before {
		t.Errorf("device id changed across InitSchema: %q -> %q", before, after)
	}
}

func TestDeviceID_PersistsAcrossReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first, _ := st.DeviceID(ctx)
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	second, _ := st.DeviceID(ctx)

	if first != second {
		t.Errorf("device id = %q after reopen, want %q", second, first)
	}
}

func TestLastSyncTimestamp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ts, err := st.LastSyncTimestamp(ctx)
	if err != nil {
		t.Fatalf("LastSyncTimestamp() failed: %v", err)
	}
	if ts != 0 {
		t.Errorf("initial LastSyncTimestamp = %d, want 0", ts)
	}

	if err := st.SetLastSyncTimestamp(ctx, 12345); err != nil {
		t.Fatalf("SetLastSyncTimestamp() failed: %v", err)
	}
	if err := st.SetLastSyncTimestamp(ctx, 67890); err != nil {
		t.Fatalf("SetLastSyncTimestamp() failed: %v", err)
	}
	ts, _ = st.LastSyncTimestamp(ctx)
	if ts != 67890 {
		t.Errorf("LastSyncTimestamp = %d, want 67890", ts)
	}
}

func TestSaveFile_DefaultsAndLogging(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f, err := st.SaveFile(ctx, FileRecord{Content: chunk.Text("hello")})
	if err != nil {
		t.Fatalf("SaveFile() failed: %v", err)
	}
	if f.ID == "" {
		t.Error("SaveFile() did not assign an id")
	}
	if f.Name != "Untitled" || f.Type != "text" {
		t.Errorf("defaults = (%q, %q), want (Untitled, text)", f.Name, f.Type)
	}
	if f.Content.Kind != chunk.KindText {
		t.Errorf("kind = %q, want text", f.Content.Kind)
	}

	got, err := st.FileRaw(ctx, f.ID)
	if err != nil {
		t.Fatalf("FileRaw() failed: %v", err)
	}
	if string(got.Content.Data) != "hello" {
		t.Errorf("content = %q, want hello", got.Content.Data)
	}

	changes, err := st.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	device, _ := st.DeviceID(ctx)
	c := changes[0]
	if c.EntityType != EntityFile || c.EntityID != f.ID || c.Operation != OpCreate || c.DeviceID != device || c.Synced {
		t.Errorf("unexpected change entry: %+v", c)
	}
	if c.Timestamp != f.DateModified {
		t.Errorf("change timestamp = %d, want %d", c.Timestamp, f.DateModified)
	}
}

func TestSaveFile_UpdateAppendsEntry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f, _ := st.SaveFile(ctx, FileRecord{Name: "a.png", Type: "image", Content: chunk.Binary([]byte{1, 2, 3}), Tags: []string{"x", "y"}})
	created := f.DateCreated

	f.Name = "b.png"
	updated, err := st.SaveFile(ctx, *f)
	if err != nil {
		t.Fatalf("SaveFile() update failed: %v", err)
	}
	if updated.DateCreated != created {
		t.Errorf("DateCreated changed on update: %d -> %d", created, updated.DateCreated)
	}
	if updated.DateModified <= created {
		t.Errorf("DateModified %d not after DateCreated %d", updated.DateModified, created)
	}

	changes, _ := st.AllChanges(ctx)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2 (log is append-only)", len(changes))
	}
	if changes[0].Operation != OpCreate || changes[1].Operation != OpUpdate {
		t.Errorf("operations = %s, %s; want create, update", changes[0].Operation, changes[1].Operation)
	}

	got, _ := st.FileRaw(ctx, f.ID)
	if got.Content.Kind != chunk.KindBinary {
		t.Errorf("kind = %q, want binary", got.Content.Kind)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "x" {
		t.Errorf("tags = %v, want [x y]", got.Tags)
	}
}

func TestFile_TouchesLastAccessedWithoutLogging(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	f, _ := st.SaveFile(ctx, FileRecord{Name: "n"})
	got, err := st.File(ctx, f.ID)
	if err != nil {
		t.Fatalf("File() failed: %v", err)
	}
	if got.LastAccessed <= f.LastAccessed {
		t.Errorf("LastAccessed = %d, want > %d", got.LastAccessed, f.LastAccessed)
	}

	stats, _ := st.Stats(ctx)
	if stats.Changes != 1 {
		t.Errorf("changes = %d, want 1", stats.Changes)
	}

	if _, err := st.File(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("File(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFolder_Recursive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	root, _ := st.SaveFolder(ctx, FolderRecord{Name: "root"})
	child, _ := st.SaveFolder(ctx, FolderRecord{Name: "child", ParentID: root.ID})
	f1, _ := st.SaveFile(ctx, FileRecord{Name: "top", FolderID: root.ID})
	f2, _ := st.SaveFile(ctx, FileRecord{Name: "nested", FolderID: child.ID})
	other, _ := st.SaveFile(ctx, FileRecord{Name: "elsewhere"})

	if err := st.DeleteFolder(ctx, root.ID); err != nil {
		t.Fatalf("DeleteFolder() failed: %v", err)
	}

	for _, id := range []string{f1.ID, f2.ID} {
		if _, err := st.FileRaw(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("file %s still present: %v", id, err)
		}
	}
	for _, id := range []string{root.ID, child.ID} {
		if _, err := st.Folder(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("folder %s still present: %v", id, err)
		}
	}
	if _, err := st.FileRaw(ctx, other.ID); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}

	deletes := map[string]EntityType{}
	changes, _ := st.AllChanges(ctx)
	for _, c := range changes {
		if c.Operation == OpDelete {
			deletes[c.EntityID] = c.EntityType
		}
	}
	want := map[string]EntityType{
		root.ID:  EntityFolder,
		child.ID: EntityFolder,
		f1.ID:    EntityFile,
		f2.ID:    EntityFile,
	}
	if len(deletes) != len(want) {
		t.Fatalf("logged %d deletes, want %d: %v", len(deletes), len(want), deletes)
	}
	for id, et := range want {
		if deletes[id] != et {
			t.Errorf("delete of %s logged as %q, want %q", id, deletes[id], et)
		}
	}

	if err := st.DeleteFolder(ctx, root.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFolder() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFile_NotFound(t *testing.T) {
	st := openTestStore(t)
	if err := st.DeleteFile(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteFile() error = %v, want ErrNotFound", err)
	}
}

func TestChangesSince_OrderAndFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, _ := st.SaveFolder(ctx, FolderRecord{Name: "a"})
	b, _ := st.SaveFolder(ctx, FolderRecord{Name: "b"})
	c, _ := st.SaveFolder(ctx, FolderRecord{Name: "c"})

	all, err := st.ChangesSince(ctx, 0)
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d changes, want 3", len(all))
	}
	for i, id := range []string{a.ID, b.ID, c.ID} {
		if all[i].EntityID != id {
			t.Errorf("changes[%d] = %s, want %s", i, all[i].EntityID, id)
		}
	}

	since, _ := st.ChangesSince(ctx, a.DateModified)
	if len(since) != 2 || since[0].EntityID != b.ID {
		t.Errorf("ChangesSince(a) = %+v, want b and c", since)
	}
}

func TestMarkSynced(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.SaveFolder(ctx, FolderRecord{Name: "a"})
	st.SaveFolder(ctx, FolderRecord{Name: "b"})

	unsynced, _ := st.Unsynced(ctx)
	if len(unsynced) != 2 {
		t.Fatalf("got %d unsynced, want 2", len(unsynced))
	}

	if err := st.MarkSynced(ctx, []string{unsynced[0].ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := st.MarkSynced(ctx, nil); err != nil {
		t.Fatalf("MarkSynced(nil) failed: %v", err)
	}

	left, _ := st.Unsynced(ctx)
	if len(left) != 1 || left[0].ID != unsynced[1].ID {
		t.Errorf("Unsynced() after mark = %+v", left)
	}
}

func TestApplyRemote(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	origin := Origin{DeviceID: "peer-device", Timestamp: 500}

	folder := FolderRecord{ID: "f1", Name: "Remote", DateCreated: 100, DateModified: 500}
	if err := st.ApplyRemoteFolder(ctx, folder, origin); err != nil {
		t.Fatalf("ApplyRemoteFolder() failed: %v", err)
	}
	folder.Name = "Renamed"
	if err := st.ApplyRemoteFolder(ctx, folder, Origin{DeviceID: "peer-device", Timestamp: 600}); err != nil {
		t.Fatalf("ApplyRemoteFolder() update failed: %v", err)
	}

	file := FileRecord{ID: "x1", Name: "pic", Type: "image", FolderID: "f1", Content: chunk.Binary([]byte{0xff, 0x00}), DateCreated: 100, DateModified: 500}
	if err := st.ApplyRemoteFile(ctx, file, origin); err != nil {
		t.Fatalf("ApplyRemoteFile() failed: %v", err)
	}

	gotFolder, _ := st.Folder(ctx, "f1")
	if gotFolder.Name != "Renamed" {
		t.Errorf("folder name = %q, want Renamed", gotFolder.Name)
	}
	gotFile, _ := st.FileRaw(ctx, "x1")
	if gotFile.Content.Kind != chunk.KindBinary || len(gotFile.Content.Data) != 2 {
		t.Errorf("file content = %+v", gotFile.Content)
	}
	if gotFile.DateModified != 500 {
		t.Errorf("DateModified = %d, want remote value 500", gotFile.DateModified)
	}

	changes, _ := st.AllChanges(ctx)
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	wantOps := []Operation{OpCreate, OpUpdate, OpCreate}
	for i, c := range changes {
		if !c.Synced || c.DeviceID != "peer-device" || c.Operation != wantOps[i] {
			t.Errorf("changes[%d] = %+v", i, c)
		}
	}

	if unsynced, _ := st.Unsynced(ctx); len(unsynced) != 0 {
		t.Errorf("remote changes show as unsynced: %+v", unsynced)
	}

	if err := st.ApplyRemoteDelete(ctx, EntityFile, "x1", Origin{DeviceID: "peer-device", Timestamp: 700}); err != nil {
		t.Fatalf("ApplyRemoteDelete() failed: %v", err)
	}
	if _, err := st.FileRaw(ctx, "x1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("file still present after remote delete: %v", err)
	}
	if err := st.ApplyRemoteDelete(ctx, EntityFile, "x1", origin); err != nil {
		t.Errorf("repeated remote delete failed: %v", err)
	}
	if err := st.ApplyRemoteDelete(ctx, "widget", "x1", origin); err == nil {
		t.Error("ApplyRemoteDelete(unknown type) succeeded")
	}

	stats, _ := st.Stats(ctx)
	if stats.Changes != 4 || stats.Files != 0 || stats.Folders != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestListing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.SaveFolder(ctx, FolderRecord{Name: "zeta"})
	st.SaveFolder(ctx, FolderRecord{Name: "alpha"})
	st.SaveFile(ctx, FileRecord{Name: "b"})
	st.SaveFile(ctx, FileRecord{Name: "a"})

	folders, err := st.ListFolders(ctx)
	if err != nil {
		t.Fatalf("ListFolders() failed: %v", err)
	}
	if len(folders) != 2 || folders[0].Name != "alpha" {
		t.Errorf("ListFolders() = %+v", folders)
	}

	files, err := st.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a" {
		t.Errorf("ListFiles() = %+v", files)
	}
}
