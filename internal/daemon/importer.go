package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
)

// namespace seeds the ids of imported entities. The same relative path maps
// to the same id on every device, so two devices importing the same tree
// converge on the same records.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("peersync/import"))

// Store is what the importer needs from the record store. Every mutation is
// expected to append to the change log.
type Store interface {
	Folder(ctx context.Context, id string) (*store.FolderRecord, error)
	FileRaw(ctx context.Context, id string) (*store.FileRecord, error)
	SaveFolder(ctx context.Context, f store.FolderRecord) (*store.FolderRecord, error)
	SaveFile(ctx context.Context, f store.FileRecord) (*store.FileRecord, error)
	DeleteFolder(ctx context.Context, id string) error
	DeleteFile(ctx context.Context, id string) error
}

// ImportStats counts what an import did.
type ImportStats struct {
	Folders   int `json:"folders"`
	Files     int `json:"files"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
}

// Importer mirrors a directory tree into the record store: directories
// become folders, regular files become files. Unchanged entries are left
// alone so re-importing does not grow the change log.
type Importer struct {
	store  Store
	root   string
	logger *log.Logger
}

// NewImporter creates an importer for the tree under root.
func NewImporter(st Store, root string, logger *log.Logger) (*Importer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Importer{store: st, root: abs, logger: logger}, nil
}

// Root returns the absolute directory being imported.
func (im *Importer) Root() string {
	return im.root
}

// ID returns the record id for a path below the root.
func (im *Importer) ID(path string) (string, error) {
	rel, err := im.rel(path)
	if err != nil {
		return "", err
	}
	return idFor(rel), nil
}

func idFor(rel string) string {
	return uuid.NewSHA1(namespace, []byte(filepath.ToSlash(rel))).String()
}

func (im *Importer) rel(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(im.root, abs)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not below %s", path, im.root)
	}
	return rel, nil
}

// parentID is the folder id for the directory holding rel, or empty at the
// top level.
func parentID(rel string) string {
	dir := filepath.Dir(rel)
	if dir == "." {
		return ""
	}
	return idFor(dir)
}

// Import walks the whole tree.
func (im *Importer) Import(ctx context.Context) (*ImportStats, error) {
	stats := &ImportStats{}
	if err := im.importTree(ctx, im.root, stats); err != nil {
		return stats, err
	}
	im.logger.Printf("Imported %s: %d folders, %d files, %d unchanged, %d skipped",
		im.root, stats.Folders, stats.Files, stats.Unchanged, stats.Skipped)
	return stats, nil
}

func (im *Importer) importTree(ctx context.Context, dir string, stats *ImportStats) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == im.root {
			return nil
		}
		if hidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			return im.syncFolder(ctx, path, stats)
		case d.Type().IsRegular():
			return im.syncFile(ctx, path, stats)
		default:
			stats.Skipped++
			return nil
		}
	})
}

// SyncPath brings one path up to date: a directory is imported with its
// contents, a file is imported, and a missing path is deleted from the store.
func (im *Importer) SyncPath(ctx context.Context, path string) (*ImportStats, error) {
	stats := &ImportStats{}
	if hidden(path) {
		return stats, nil
	}

	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return stats, im.remove(ctx, path, stats)
	case err != nil:
		return stats, fmt.Errorf("failed to stat %s: %w", path, err)
	case info.IsDir():
		if err := im.syncFolder(ctx, path, stats); err != nil {
			return stats, err
		}
		return stats, im.importTree(ctx, path, stats)
	case info.Mode().IsRegular():
		return stats, im.syncFile(ctx, path, stats)
	default:
		stats.Skipped++
		return stats, nil
	}
}

func (im *Importer) syncFolder(ctx context.Context, path string, stats *ImportStats) error {
	rel, err := im.rel(path)
	if err != nil {
		return err
	}
	want := store.FolderRecord{
		ID:       idFor(rel),
		Name:     filepath.Base(rel),
		ParentID: parentID(rel),
	}

	existing, err := im.store.Folder(ctx, want.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read folder %s: %w", rel, err)
	}
	if err == nil && existing.Name == want.Name && existing.ParentID == want.ParentID {
		stats.Unchanged++
		return nil
	}

	if _, err := im.store.SaveFolder(ctx, want); err != nil {
		return fmt.Errorf("failed to save folder %s: %w", rel, err)
	}
	stats.Folders++
	return nil
}

func (im *Importer) syncFile(ctx context.Context, path string, stats *ImportStats) error {
	rel, err := im.rel(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}

	typ := FileType(path)
	want := store.FileRecord{
		ID:       idFor(rel),
		Name:     filepath.Base(rel),
		Type:     typ,
		FolderID: parentID(rel),
		Content:  chunk.Content{Kind: chunk.KindForType(typ), Data: data},
	}

	existing, err := im.store.FileRaw(ctx, want.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read file %s: %w", rel, err)
	}
	if err == nil {
		if existing.Name == want.Name &&
			existing.FolderID == want.FolderID &&
			existing.Type == want.Type &&
			bytes.Equal(existing.Content.Data, data) {
			stats.Unchanged++
			return nil
		}
		// Metadata edited elsewhere survives a content change on disk.
		want.Description = existing.Description
		want.Location = existing.Location
		want.Tags = slices.Clone(existing.Tags)
	}

	if _, err := im.store.SaveFile(ctx, want); err != nil {
		return fmt.Errorf("failed to save file %s: %w", rel, err)
	}
	stats.Files++
	return nil
}

// remove deletes whatever record the vanished path mapped to.
func (im *Importer) remove(ctx context.Context, path string, stats *ImportStats) error {
	rel, err := im.rel(path)
	if err != nil {
		return err
	}
	id := idFor(rel)

	_, err = im.store.Folder(ctx, id)
	switch {
	case err == nil:
		err = im.store.DeleteFolder(ctx, id)
	case errors.Is(err, store.ErrNotFound):
		err = im.store.DeleteFile(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	stats.Deleted++
	return nil
}

// FileType maps a file name to the type tag stored with the record.
func FileType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".csv", ".json", ".log":
		return "text"
	case ".svg":
		return "svg"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".heic":
		return "image"
	default:
		return "binary"
	}
}
