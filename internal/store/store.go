// Package store defines the change-log contract the sync engine reads and
// writes through, and a SQLite-backed local record store that satisfies it.
//
// Every local create, update or delete of a file or folder appends one entry
// to an append-only change log. A later edit of the same entity adds a new
// entry instead of rewriting the old one. Entries start unsynced and are
// marked synced when a session that sent them completes.
//
// Timestamps are Unix milliseconds.
package store

import (
	"context"
	"errors"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// EntityType distinguishes files from folders.
type EntityType string

const (
	EntityFile   EntityType = "file"
	EntityFolder EntityType = "folder"
)

// Operation is the kind of mutation recorded in the change log.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeLogEntry records one mutation of one entity.
type ChangeLogEntry struct {
	ID         string     `json:"id" yaml:"id"`
	Seq        int64      `json:"seq" yaml:"seq"`
	EntityType EntityType `json:"entityType" yaml:"entity_type"`
	EntityID   string     `json:"entityId" yaml:"entity_id"`
	Operation  Operation  `json:"operation" yaml:"operation"`
	Timestamp  int64      `json:"timestamp" yaml:"timestamp"`
	Synced     bool       `json:"synced" yaml:"synced"`
	DeviceID   string     `json:"deviceId" yaml:"device_id"`
}

// FolderRecord is a folder. ParentID is empty for root folders.
type FolderRecord struct {
	ID           string
	Name         string
	ParentID     string
	DateCreated  int64
	DateModified int64
}

// FileRecord is a file and its content. Content.Kind is fixed when the record
// is stored and travels with it.
type FileRecord struct {
	ID           string
	Name         string
	Type         string
	FolderID     string
	Content      chunk.Content
	Description  string
	Location     string
	Tags         []string
	DateCreated  int64
	DateModified int64
	LastAccessed int64
}

// Size returns the content length in bytes.
func (f *FileRecord) Size() int64 {
	return int64(len(f.Content.Data))
}

// Origin identifies where a remotely applied change came from. It is written
// to the change log so the change can be relayed onward but never echoed back
// to its origin.
type Origin struct {
	DeviceID  string
	Timestamp int64
}

// ChangeLog is what the sync engine needs from the local record store.
type ChangeLog interface {
	// DeviceID returns the stable identity of this installation.
	DeviceID(ctx context.Context) (string, error)

	// LastSyncTimestamp returns the checkpoint of the last completed session (0 if none).
	LastSyncTimestamp(ctx context.Context) (int64, error)

	// SetLastSyncTimestamp persists a new checkpoint.
	SetLastSyncTimestamp(ctx context.Context, ts int64) error

	// ChangesSince returns entries with a timestamp after ts, oldest first.
	ChangesSince(ctx context.Context, ts int64) ([]ChangeLogEntry, error)

	// Unsynced returns entries not yet marked synced, in append order.
	Unsynced(ctx context.Context) ([]ChangeLogEntry, error)

	// MarkSynced flags the given entries as synced.
	MarkSynced(ctx context.Context, ids []string) error

	// Folder returns a folder or ErrNotFound.
	Folder(ctx context.Context, id string) (*FolderRecord, error)

	// FileRaw returns a file with its content or ErrNotFound. Unlike a user
	// read it does not touch LastAccessed.
	FileRaw(ctx context.Context, id string) (*FileRecord, error)

	// ApplyRemoteFolder creates or replaces a folder received from a peer.
	ApplyRemoteFolder(ctx context.Context, folder FolderRecord, origin Origin) error

	// ApplyRemoteFile creates or replaces a file received from a peer.
	ApplyRemoteFile(ctx context.Context, file FileRecord, origin Origin) error

	// ApplyRemoteDelete removes an entity deleted on a peer.
	ApplyRemoteDelete(ctx context.Context, entityType EntityType, id string, origin Origin) error
}
