package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
)

// Stats summarizes store contents.
type Stats struct {
	Folders  int `json:"folders" yaml:"folders"`
	Files    int `json:"files" yaml:"files"`
	Changes  int `json:"changes" yaml:"changes"`
	Unsynced int `json:"unsynced" yaml:"unsynced"`
}

func (s *SQLite) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *SQLite) localChange(ctx context.Context, tx *sql.Tx, et EntityType, id string, op Operation, ts int64) error {
	device, err := getMeta(ctx, tx, metaDeviceID)
	if err != nil {
		return err
	}
	return appendChange(ctx, tx, ChangeLogEntry{
		EntityType: et,
		EntityID:   id,
		Operation:  op,
		Timestamp:  ts,
		DeviceID:   device,
	})
}

func exists(ctx context.Context, db execer, table, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", table, id, err)
	}
	return n > 0, nil
}

func upsertFolder(ctx context.Context, db execer, f FolderRecord) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO folders (id, name, parent_id, date_created, date_modified)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		parent_id = excluded.parent_id,
		date_created = excluded.date_created,
		date_modified = excluded.date_modified
	`, f.ID, f.Name, nullString(f.ParentID), f.DateCreated, f.DateModified)
	if err != nil {
		return fmt.Errorf("failed to save folder %s: %w", f.ID, err)
	}
	return nil
}

func upsertFile(ctx context.Context, db execer, f FileRecord) error {
	tags, err := marshalTags(f.Tags)
	if err != nil {
		return err
	}
	data := f.Content.Data
	if data == nil {
		data = []byte{}
	}
	_, err = db.ExecContext(ctx, `
	INSERT INTO files (id, name, type, folder_id, content, content_kind, description, location, tags,
		date_created, date_modified, last_accessed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		folder_id = excluded.folder_id,
		content = excluded.content,
		content_kind = excluded.content_kind,
		description = excluded.description,
		location = excluded.location,
		tags = excluded.tags,
		date_created = excluded.date_created,
		date_modified = excluded.date_modified,
		last_accessed = excluded.last_accessed
	`, f.ID, f.Name, f.Type, nullString(f.FolderID), data, string(f.Content.Kind),
		nullString(f.Description), nullString(f.Location), tags,
		f.DateCreated, f.DateModified, f.LastAccessed)
	if err != nil {
		return fmt.Errorf("failed to save file %s: %w", f.ID, err)
	}
	return nil
}

// SaveFolder creates or updates a folder and logs the change. An empty ID
// creates a new folder with a generated id.
func (s *SQLite) SaveFolder(ctx context.Context, f FolderRecord) (*FolderRecord, error) {
	now := s.nowMillis()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getFolder(ctx, tx, f.ID)
		op := OpUpdate
		switch {
		case errors.Is(err, ErrNotFound):
			op = OpCreate
			if f.DateCreated == 0 {
				f.DateCreated = now
			}
		case err != nil:
			return err
		default:
			f.DateCreated = existing.DateCreated
		}
		f.DateModified = now

		if err := upsertFolder(ctx, tx, f); err != nil {
			return err
		}
		return s.localChange(ctx, tx, EntityFolder, f.ID, op, now)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveFile creates or updates a file and logs the change. Name defaults to
// "Untitled", Type to "text", and the content kind follows the type when not
// set.
func (s *SQLite) SaveFile(ctx context.Context, f FileRecord) (*FileRecord, error) {
	now := s.nowMillis()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Name == "" {
		f.Name = "Untitled"
	}
	if f.Type == "" {
		f.Type = "text"
	}
	if f.Content.Kind == "" {
		f.Content.Kind = chunk.KindForType(f.Type)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getFile(ctx, tx, f.ID)
		op := OpUpdate
		switch {
		case errors.Is(err, ErrNotFound):
			op = OpCreate
			if f.DateCreated == 0 {
				f.DateCreated = now
			}
		case err != nil:
			return err
		default:
			f.DateCreated = existing.DateCreated
		}
		f.DateModified = now
		f.LastAccessed = now

		if err := upsertFile(ctx, tx, f); err != nil {
			return err
		}
		return s.localChange(ctx, tx, EntityFile, f.ID, op, now)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFile removes a file and logs the deletion.
func (s *SQLite) DeleteFile(ctx context.Context, id string) error {
	now := s.nowMillis()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete file %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return s.localChange(ctx, tx, EntityFile, id, OpDelete, now)
	})
}

// DeleteFolder removes a folder with every file and subfolder below it,
// logging one deletion per removed entity.
func (s *SQLite) DeleteFolder(ctx context.Context, id string) error {
	now := s.nowMillis()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "folders", id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return s.deleteFolderTree(ctx, tx, id, now)
	})
}

func (s *SQLite) deleteFolderTree(ctx context.Context, tx *sql.Tx, id string, now int64) error {
	fileIDs, err := queryIDs(ctx, tx, `SELECT id FROM files WHERE folder_id = ?`, id)
	if err != nil {
		return err
	}
	for _, fid := range fileIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fid); err != nil {
			return fmt.Errorf("failed to delete file %s: %w", fid, err)
		}
		if err := s.localChange(ctx, tx, EntityFile, fid, OpDelete, now); err != nil {
			return err
		}
	}

	children, err := queryIDs(ctx, tx, `SELECT id FROM folders WHERE parent_id = ?`, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.deleteFolderTree(ctx, tx, child, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", id, err)
	}
	return s.localChange(ctx, tx, EntityFolder, id, OpDelete, now)
}

func queryIDs(ctx context.Context, db execer, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Folder implements ChangeLog.
func (s *SQLite) Folder(ctx context.Context, id string) (*FolderRecord, error) {
	return getFolder(ctx, s.conn, id)
}

func getFolder(ctx context.Context, db execer, id string) (*FolderRecord, error) {
	var (
		f      FolderRecord
		parent sql.NullString
	)
	err := db.QueryRowContext(ctx, `
	SELECT id, name, parent_id, date_created, date_modified FROM folders WHERE id = ?
	`, id).Scan(&f.ID, &f.Name, &parent, &f.DateCreated, &f.DateModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder %s: %w", id, err)
	}
	f.ParentID = parent.String
	return &f, nil
}

const fileColumns = `id, name, type, folder_id, content, content_kind, description, location, tags,
	date_created, date_modified, last_accessed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var (
		f                       FileRecord
		folder, desc, loc, tags sql.NullString
		kind                    string
		data                    []byte
	)
	err := row.Scan(&f.ID, &f.Name, &f.Type, &folder, &data, &kind, &desc, &loc, &tags,
		&f.DateCreated, &f.DateModified, &f.LastAccessed)
	if err != nil {
		return nil, err
	}
	f.FolderID = folder.String
	f.Description = desc.String
	f.Location = loc.String
	f.Tags = unmarshalTags(tags)
	f.Content = chunk.Content{Kind: chunk.Kind(kind), Data: data}
	return &f, nil
}

func getFile(ctx context.Context, db execer, id string) (*FileRecord, error) {
	f, err := scanFile(db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	return f, nil
}

// FileRaw implements ChangeLog.
func (s *SQLite) FileRaw(ctx context.Context, id string) (*FileRecord, error) {
	return getFile(ctx, s.conn, id)
}

// File returns a file and stamps its LastAccessed time. The access is not a
// change and is not logged.
func (s *SQLite) File(ctx context.Context, id string) (*FileRecord, error) {
	now := s.nowMillis()
	res, err := s.conn.ExecContext(ctx, `UPDATE files SET last_accessed = ? WHERE id = ?`, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to touch file %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return getFile(ctx, s.conn, id)
}

// ListFolders returns all folders ordered by name.
func (s *SQLite) ListFolders(ctx context.Context) ([]FolderRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, name, parent_id, date_created, date_modified FROM folders ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var out []FolderRecord
	for rows.Next() {
		var (
			f      FolderRecord
			parent sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Name, &parent, &f.DateCreated, &f.DateModified); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.ParentID = parent.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFiles returns all files ordered by name.
func (s *SQLite) ListFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Stats returns row counts.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM folders),
		(SELECT COUNT(*) FROM files),
		(SELECT COUNT(*) FROM change_log),
		(SELECT COUNT(*) FROM change_log WHERE synced = 0)
	`).Scan(&st.Folders, &st.Files, &st.Changes, &st.Unsynced)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &st, nil
}

// ApplyRemoteFolder implements ChangeLog. The change is logged as already
// synced under the origin device.
func (s *SQLite) ApplyRemoteFolder(ctx context.Context, f FolderRecord, origin Origin) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "folders", f.ID)
		if err != nil {
			return err
		}
		if err := upsertFolder(ctx, tx, f); err != nil {
			return err
		}
		return appendChange(ctx, tx, remoteEntry(EntityFolder, f.ID, createOrUpdate(ok), origin))
	})
}

// ApplyRemoteFile implements ChangeLog.
func (s *SQLite) ApplyRemoteFile(ctx context.Context, f FileRecord, origin Origin) error {
	if f.Content.Kind == "" {
		f.Content.Kind = chunk.KindForType(f.Type)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "files", f.ID)
		if err != nil {
			return err
		}
		if err := upsertFile(ctx, tx, f); err != nil {
			return err
		}
		return appendChange(ctx, tx, remoteEntry(EntityFile, f.ID, createOrUpdate(ok), origin))
	})
}

// ApplyRemoteDelete implements ChangeLog. Deleting an entity that is already
// gone is a no-op and is not logged.
func (s *SQLite) ApplyRemoteDelete(ctx context.Context, et EntityType, id string, origin Origin) error {
	var table string
	switch et {
	case EntityFile:
		table = "files"
	case EntityFolder:
		table = "folders"
	default:
		return fmt.Errorf("unknown entity type %q", et)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", et, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return appendChange(ctx, tx, remoteEntry(et, id, OpDelete, origin))
	})
}

func createOrUpdate(existed bool) Operation {
	if existed {
		return OpUpdate
	}
	return OpCreate
}

func remoteEntry(et EntityType, id string, op Operation, origin Origin) ChangeLogEntry {
	return ChangeLogEntry{
		EntityType: et,
		EntityID:   id,
		Operation:  op,
		Timestamp:  origin.Timestamp,
		Synced:     true,
		DeviceID:   origin.DeviceID,
	}
}
