package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/chunk"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/protocol"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
)

func (s *Session) enqueue(fileID string, origin store.Origin) {
	for _, q := range s.queue {
		if q.fileID == fileID {
			return
		}
	}
	s.queue = append(s.queue, queued{fileID: fileID, origin: origin})
}

// dropFile forgets a queued or in-flight file.
func (s *Session) dropFile(fileID string) {
	for i, q := range s.queue {
		if q.fileID == fileID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.transfers, fileID)
	delete(s.retries, fileID)
	if s.inFlight == fileID {
		s.inFlight = ""
	}
}

func (s *Session) queuedOrigin(fileID string) (store.Origin, bool) {
	for _, q := range s.queue {
		if q.fileID == fileID {
			return q.origin, true
		}
	}
	return store.Origin{}, false
}

// requestNextFile asks for the head of the queue when nothing is in flight.
// The entry stays queued until the file is stored or given up on. With an
// empty queue it checks for completion instead.
func (s *Session) requestNextFile(ctx context.Context) error {
	if s.inFlight != "" {
		return nil
	}
	if len(s.queue) == 0 {
		return s.checkComplete(ctx)
	}

	fileID := s.queue[0].fileID
	if err := s.send(ctx, protocol.TypeFileRequest, protocol.FileRequest{FileID: fileID}); err != nil {
		return err
	}
	s.inFlight = fileID
	s.setState(StateFileTransfer, fmt.Sprintf("requesting %s (%d queued)", fileID, len(s.queue)))
	return nil
}

// serveFile streams a requested file: header, chunk frames, then completion.
// A missing file is reported to the peer and the session goes on.
func (s *Session) serveFile(ctx context.Context, fileID string) error {
	file, err := s.store.FileRaw(ctx, fileID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("Warning: peer requested unknown file %s", fileID)
		return s.send(ctx, protocol.TypeError, protocol.Error{
			Code:    protocol.CodeFileNotFound,
			Message: "File not found: " + fileID,
			FileID:  fileID,
		})
	}
	if err != nil {
		if serr := s.send(ctx, protocol.TypeError, protocol.Error{
			Code:    protocol.CodeInternal,
			Message: "failed to read file",
			FileID:  fileID,
		}); serr != nil {
			s.logger.Printf("Warning: failed to report read failure: %v", serr)
		}
		return fmt.Errorf("failed to read file %s: %w", fileID, err)
	}

	chunked := chunk.Split(file.Content, file.ID)
	s.logger.Printf("Sending %s (%s, %d bytes, %d chunks)", file.ID, file.Name, chunked.TotalSize, chunked.TotalChunks)

	err = s.send(ctx, protocol.TypeFileHeader, protocol.FileHeader{
		ID:          file.ID,
		Name:        file.Name,
		Type:        file.Type,
		FolderID:    file.FolderID,
		TotalSize:   chunked.TotalSize,
		TotalChunks: chunked.TotalChunks,
		Checksum:    chunked.Checksum,
		Metadata: protocol.FileMetadata{
			Description:  file.Description,
			Location:     file.Location,
			Tags:         file.Tags,
			DateCreated:  file.DateCreated,
			DateModified: file.DateModified,
			LastAccessed: file.LastAccessed,
		},
	})
	if err != nil {
		return err
	}

	for i, c := range chunked.Chunks {
		frame, err := protocol.EncodeFrame(file.ID, c)
		if err != nil {
			return err
		}
		if err := s.tr.SendBinary(ctx, frame); err != nil {
			return fmt.Errorf("failed to send chunk %d of %s: %w", i, file.ID, err)
		}

		s.observer.OnProgress(Progress{
			FileID:    file.ID,
			Name:      file.Name,
			Direction: DirectionSend,
			Fraction:  float64(i+1) / float64(len(chunked.Chunks)),
		})

		if s.cfg.PauseEvery > 0 && i%s.cfg.PauseEvery == s.cfg.PauseEvery-1 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
	}

	err = s.send(ctx, protocol.TypeFileComplete, protocol.FileComplete{
		FileID:   file.ID,
		Checksum: chunked.Checksum,
	})
	if err != nil {
		return err
	}
	s.summary.FilesSent++
	return nil
}

func (s *Session) pause(ctx context.Context) error {
	if s.cfg.ChunkPause <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.ChunkPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleFileHeader(ctx context.Context, h protocol.FileHeader) error {
	if h.ID != s.inFlight {
		s.logger.Printf("Warning: ignoring header for unrequested file %s", h.ID)
		return nil
	}
	if h.TotalSize < 0 || int64(h.TotalChunks) != (h.TotalSize+chunk.ChunkSize-1)/chunk.ChunkSize {
		return s.retryFile(ctx, h.ID, fmt.Errorf("header announces %d chunks for %d bytes", h.TotalChunks, h.TotalSize))
	}
	s.logger.Printf("Receiving %s (%s, %d bytes, %d chunks)", h.ID, h.Name, h.TotalSize, h.TotalChunks)
	s.transfers[h.ID] = &transfer{
		header:    h,
		assembler: chunk.NewAssembler(h.TotalChunks, h.TotalSize),
	}
	return nil
}

func (s *Session) handleFrame(frame []byte) error {
	fileID, c, err := protocol.DecodeFrame(frame)
	if err != nil {
		s.logger.Printf("Warning: dropping bad frame: %v", err)
		return nil
	}

	t, ok := s.transfers[fileID]
	if !ok {
		s.logger.Printf("Warning: dropping chunk for unknown transfer %s", fileID)
		return nil
	}

	if _, err := t.assembler.AddChunk(c); err != nil {
		s.logger.Printf("Warning: dropping chunk for %s: %v", fileID, err)
		return nil
	}

	s.observer.OnProgress(Progress{
		FileID:    fileID,
		Name:      t.header.Name,
		Direction: DirectionReceive,
		Fraction:  t.assembler.Progress(),
	})
	return nil
}

func (s *Session) handleFileComplete(ctx context.Context, p protocol.FileComplete) error {
	t, ok := s.transfers[p.FileID]
	if !ok {
		s.logger.Printf("Warning: FILE_COMPLETE for unknown file %s", p.FileID)
		return nil
	}
	delete(s.transfers, p.FileID)

	content, err := t.assembler.AssembleContent(chunk.KindForType(t.header.Type))
	if err == nil {
		err = chunk.VerifyChecksum(content.Data, t.header.Checksum)
	}
	if err == nil && p.Checksum != "" && p.Checksum != t.header.Checksum {
		err = fmt.Errorf("%w: completion checksum differs from header", chunk.ErrChecksumMismatch)
	}
	if err != nil {
		return s.retryFile(ctx, p.FileID, err)
	}

	h := t.header
	origin, ok := s.queuedOrigin(h.ID)
	if !ok {
		origin = store.Origin{DeviceID: s.remoteDeviceID, Timestamp: h.Metadata.DateModified}
	}

	record := store.FileRecord{
		ID:           h.ID,
		Name:         h.Name,
		Type:         h.Type,
		FolderID:     h.FolderID,
		Content:      content,
		Description:  h.Metadata.Description,
		Location:     h.Metadata.Location,
		Tags:         h.Metadata.Tags,
		DateCreated:  h.Metadata.DateCreated,
		DateModified: h.Metadata.DateModified,
		LastAccessed: s.now().UnixMilli(),
	}
	if err := s.store.ApplyRemoteFile(ctx, record, origin); err != nil {
		if serr := s.send(ctx, protocol.TypeFileAck, protocol.FileAck{FileID: h.ID, Error: "failed to store file"}); serr != nil {
			s.logger.Printf("Warning: failed to send FILE_ACK: %v", serr)
		}
		return fmt.Errorf("failed to store file %s: %w", h.ID, err)
	}

	s.logger.Printf("Received %s (%s)", h.ID, h.Name)
	s.dropFile(h.ID)
	s.summary.FilesReceived++

	if err := s.send(ctx, protocol.TypeFileAck, protocol.FileAck{FileID: h.ID, OK: true}); err != nil {
		return err
	}
	return s.requestNextFile(ctx)
}

// retryFile re-requests a file that failed verification, or gives up on it
// after MaxFileRetries further attempts.
func (s *Session) retryFile(ctx context.Context, fileID string, cause error) error {
	s.retries[fileID]++
	attempts := s.retries[fileID]
	s.inFlight = ""

	if err := s.send(ctx, protocol.TypeFileAck, protocol.FileAck{FileID: fileID, Error: cause.Error()}); err != nil {
		return err
	}

	if attempts > s.cfg.MaxFileRetries {
		s.logger.Printf("Warning: giving up on %s after %d attempts: %v", fileID, attempts, cause)
		s.dropFile(fileID)
		s.summary.Errors++
		s.observer.OnError(&PeerError{
			Code:    "TRANSFER_FAILED",
			Message: cause.Error(),
			FileID:  fileID,
		})
	} else {
		s.logger.Printf("Warning: retrying %s (attempt %d): %v", fileID, attempts+1, cause)
	}

	return s.requestNextFile(ctx)
}
