package protocol

// Hello opens the handshake.
type Hello struct {
	DeviceID          string `json:"deviceId"`
	LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	ProtocolVersion   int    `json:"protocolVersion"`
}

// HelloAck acknowledges a HELLO.
type HelloAck struct {
	DeviceID string `json:"deviceId"`
}

// SyncRequest asks the peer for its changes since a checkpoint.
type SyncRequest struct {
	SinceTimestamp int64 `json:"sinceTimestamp"`
}

// ChangeList carries every change the sender believes the receiver is missing.
type ChangeList struct {
	Changes []Change `json:"changes"`
}

// Change is one entry of a change list. Metadata is present for create and
// update, and omitted for delete. DeviceID names the device the change was
// first made on, when it differs from the sender.
type Change struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Timestamp  int64           `json:"timestamp"`
	DeviceID   string          `json:"deviceId,omitempty"`
	Metadata   *ChangeMetadata `json:"metadata,omitempty"`
}

// ChangeMetadata describes a created or updated entity. Folders use ParentID,
// files use FolderID, Type and Size.
type ChangeMetadata struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
	FolderID     string `json:"folderId,omitempty"`
	DateCreated  int64  `json:"dateCreated"`
	DateModified int64  `json:"dateModified"`
	Size         int64  `json:"size,omitempty"`
}

// FileRequest asks the peer to stream one file.
type FileRequest struct {
	FileID string `json:"fileId"`
}

// FileHeader announces a file transfer. Binary frames for the file follow.
type FileHeader struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	FolderID    string       `json:"folderId,omitempty"`
	TotalSize   int64        `json:"totalSize"`
	TotalChunks uint32       `json:"totalChunks"`
	Checksum    string       `json:"checksum"`
	Metadata    FileMetadata `json:"metadata"`
}

// FileMetadata is the descriptive part of a file record.
type FileMetadata struct {
	Description  string   `json:"description,omitempty"`
	Location     string   `json:"location,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	DateCreated  int64    `json:"dateCreated"`
	DateModified int64    `json:"dateModified"`
	LastAccessed int64    `json:"lastAccessed,omitempty"`
}

// FileComplete closes a file transfer.
type FileComplete struct {
	FileID   string `json:"fileId"`
	Checksum string `json:"checksum"`
}

// FileAck reports whether the receiver persisted a file.
type FileAck struct {
	FileID string `json:"fileId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// FolderData pushes a single folder record.
type FolderData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId,omitempty"`
	DateCreated  int64  `json:"dateCreated"`
	DateModified int64  `json:"dateModified"`
}

// SyncComplete announces that the sender has nothing left to receive.
type SyncComplete struct {
	CompletedAt int64 `json:"completedAt"`
}

// Error reports a protocol-level failure. FileID is set when the failure
// concerns a requested file.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	FileID  string `json:"fileId,omitempty"`
}
