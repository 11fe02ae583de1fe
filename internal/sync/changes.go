package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/protocol"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
)

// sendChangeList sends every local change after since, except those that
// came from the peer. It runs at most once per session.
func (s *Session) sendChangeList(ctx context.Context, since int64) error {
	if s.sentChangeList {
		return nil
	}

	changes, err := buildChangeList(ctx, s.store, since, s.remoteDeviceID, s.deviceID)
	if err != nil {
		return err
	}

	s.logger.Printf("Sending %d changes since %d", len(changes), since)
	if err := s.send(ctx, protocol.TypeChangeList, protocol.ChangeList{Changes: changes}); err != nil {
		return err
	}
	s.sentChangeList = true

	if s.receivedChangeList {
		s.setState(StateChangeListExchanged, "change lists exchanged")
	}
	return nil
}

// buildChangeList reads the change log and attaches current metadata to
// creates and updates. Entities deleted since are left out of the list; their
// delete entry follows in the log.
func buildChangeList(ctx context.Context, st store.ChangeLog, since int64, remoteDeviceID, localDeviceID string) ([]protocol.Change, error) {
	entries, err := st.ChangesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes since %d: %w", since, err)
	}

	changes := make([]protocol.Change, 0, len(entries))
	for _, e := range entries {
		if remoteDeviceID != "" && e.DeviceID == remoteDeviceID {
			continue
		}

		c := protocol.Change{
			EntityType: string(e.EntityType),
			EntityID:   e.EntityID,
			Operation:  string(e.Operation),
			Timestamp:  e.Timestamp,
		}
		if e.DeviceID != localDeviceID {
			c.DeviceID = e.DeviceID
		}

		if e.Operation != store.OpDelete {
			meta, err := changeMetadata(ctx, st, e)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			c.Metadata = meta
		}

		changes = append(changes, c)
	}
	return changes, nil
}

func changeMetadata(ctx context.Context, st store.ChangeLog, e store.ChangeLogEntry) (*protocol.ChangeMetadata, error) {
	switch e.EntityType {
	case store.EntityFolder:
		f, err := st.Folder(ctx, e.EntityID)
		if err != nil {
			return nil, err
		}
		return &protocol.ChangeMetadata{
			Name:         f.Name,
			ParentID:     f.ParentID,
			DateCreated:  f.DateCreated,
			DateModified: f.DateModified,
		}, nil

	case store.EntityFile:
		f, err := st.FileRaw(ctx, e.EntityID)
		if err != nil {
			return nil, err
		}
		return &protocol.ChangeMetadata{
			Name:         f.Name,
			Type:         f.Type,
			FolderID:     f.FolderID,
			DateCreated:  f.DateCreated,
			DateModified: f.DateModified,
			Size:         f.Size(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown entity type %q", e.EntityType)
	}
}

// latestRemote collapses a change list to the last entry per entity, keeping
// the order in which entities first appear. Later entries win ties.
func latestRemote(changes []protocol.Change) []protocol.Change {
	index := make(map[string]int, len(changes))
	out := make([]protocol.Change, 0, len(changes))
	for _, c := range changes {
		i, seen := index[c.EntityID]
		if !seen {
			index[c.EntityID] = len(out)
			out = append(out, c)
			continue
		}
		if c.Timestamp >= out[i].Timestamp {
			out[i] = c
		}
	}
	return out
}

// latestLocal maps each entity to its latest unsynced entry. Entries arrive
// in append order, so a later entry wins a timestamp tie.
func latestLocal(entries []store.ChangeLogEntry) map[string]store.ChangeLogEntry {
	m := make(map[string]store.ChangeLogEntry, len(entries))
	for _, e := range entries {
		if prev, ok := m[e.EntityID]; ok && prev.Timestamp > e.Timestamp {
			continue
		}
		m[e.EntityID] = e
	}
	return m
}

// remoteWins is the last-write-wins rule: the remote change is kept only if
// it is strictly newer than the local one.
func remoteWins(local store.ChangeLogEntry, remote protocol.Change) bool {
	return remote.Timestamp > local.Timestamp
}

func (s *Session) handleChangeList(ctx context.Context, p protocol.ChangeList) error {
	if s.receivedChangeList {
		s.logger.Printf("Warning: ignoring repeated change list")
		return nil
	}
	s.receivedChangeList = true
	s.observer.OnStatus(s.State(), "processing changes")

	unsynced, err := s.store.Unsynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to read unsynced changes: %w", err)
	}
	local := latestLocal(unsynced)

	for _, remote := range latestRemote(p.Changes) {
		if l, ok := local[remote.EntityID]; ok && !remoteWins(l, remote) {
			s.summary.Conflicts++
			continue
		}
		if err := s.applyRemoteChange(ctx, remote); err != nil {
			return err
		}
		s.summary.Applied++
	}

	s.logger.Printf("Applied %d changes, %d conflicts (local wins), %d files queued",
		s.summary.Applied, s.summary.Conflicts, len(s.queue))

	if s.sentChangeList {
		s.setState(StateChangeListExchanged, "change lists exchanged")
	}
	return s.requestNextFile(ctx)
}

func (s *Session) applyRemoteChange(ctx context.Context, c protocol.Change) error {
	origin := store.Origin{DeviceID: s.remoteDeviceID, Timestamp: c.Timestamp}
	if c.DeviceID != "" {
		origin.DeviceID = c.DeviceID
	}
	et := store.EntityType(c.EntityType)

	switch {
	case c.Operation == protocol.OpDelete:
		if err := s.store.ApplyRemoteDelete(ctx, et, c.EntityID, origin); err != nil {
			return fmt.Errorf("failed to apply delete of %s %s: %w", et, c.EntityID, err)
		}

	case et == store.EntityFolder:
		folder := store.FolderRecord{
			ID:           c.EntityID,
			Name:         c.Metadata.Name,
			ParentID:     c.Metadata.ParentID,
			DateCreated:  c.Metadata.DateCreated,
			DateModified: c.Metadata.DateModified,
		}
		if err := s.store.ApplyRemoteFolder(ctx, folder, origin); err != nil {
			return fmt.Errorf("failed to apply folder %s: %w", c.EntityID, err)
		}

	default:
		s.enqueue(c.EntityID, origin)
	}
	return nil
}
