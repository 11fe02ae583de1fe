// Package sync reconciles two local stores over a peer transport.
//
// A Session drives one sync exchange with one peer:
//
//  1. Both sides send HELLO with their device id and last checkpoint.
//  2. On HELLO each side answers HELLO_ACK and sends a CHANGE_LIST of its
//     changes since the peer's checkpoint, leaving out changes that came
//     from the peer.
//  3. On CHANGE_LIST each side resolves conflicts against its own unsynced
//     changes by last-write-wins, applies folder changes and deletes
//     directly, and queues file creates and updates.
//  4. Queued files are fetched one at a time with FILE_REQUEST. The sender
//     answers FILE_HEADER, binary chunk frames, then FILE_COMPLETE; the
//     receiver verifies the checksum, stores the file and replies FILE_ACK.
//  5. When a side has sent its list, received the peer's, and has nothing
//     queued or in flight, it sends SYNC_COMPLETE. A side finishes once it
//     is done and has the peer's SYNC_COMPLETE: it marks its unsynced
//     changes synced and stores the later of the two completion times as
//     its new checkpoint.
//
// Messages are handled one at a time on the goroutine that calls Run.
//
// Example:
//
//	a, b := transport.Pipe()
//	session := sync.New(store, a, nil)
//	summary, err := session.Run(ctx)
package sync
