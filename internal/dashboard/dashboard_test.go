package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/daemon"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/sync"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: testLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

// connect dials the feed, reads the welcome messages, and waits until the
// server has registered the client.
func connect(t *testing.T, ctx context.Context, server *Server, want int) (*websocket.Conn, []Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var welcome []Message
	for i := 0; i < want; i++ {
		welcome = append(welcome, readMessage(t, ctx, conn))
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return conn, welcome
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: testLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeWithoutHistory(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := connect(t, ctx, server, 1)
	if welcome[0].Type != MessageTypeStatus {
		t.Errorf("Expected welcome type %s, got %s", MessageTypeStatus, welcome[0].Type)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestWelcomeReplaysLatest(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	handler.UpdateStats(&store.Stats{Files: 3})
	handler.OnStatus(sync.StateHandshakeSent, "connecting")
	handler.OnStatus(sync.StateFileTransfer, "requesting f1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := connect(t, ctx, server, 2)
	if welcome[0].Type != MessageTypeStats || welcome[1].Type != MessageTypeStatus {
		t.Fatalf("welcome types = %s, %s", welcome[0].Type, welcome[1].Type)
	}
	var status StatusData
	if err := json.Unmarshal(welcome[1].Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if status.State != "file_transfer" {
		t.Errorf("replayed state = %s, want the latest", status.State)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i], _ = connect(t, ctx, server, 1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != numClients && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != numClients {
		t.Fatalf("Expected %d clients, got %d", numClients, count)
	}

	msg, _ := NewMessage(MessageTypeImport, daemon.ImportStats{Files: 2})
	server.Broadcast(msg)

	for i, conn := range clients {
		got := readMessage(t, ctx, conn)
		if got.Type != MessageTypeImport {
			t.Errorf("client %d got %s, want %s", i, got.Type, MessageTypeImport)
		}
	}
}

func TestHandlerSessionEvents(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := connect(t, ctx, server, 1)

	handler.OnError(&sync.PeerError{Code: "FILE_NOT_FOUND", Message: "gone", FileID: "f1"})
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("Expected %s, got %s", MessageTypeError, msg.Type)
	}
	var data ErrorData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal error data: %v", err)
	}
	if data.Code != "FILE_NOT_FOUND" || data.FileID != "f1" {
		t.Errorf("error data = %+v", data)
	}

	handler.OnError(fmt.Errorf("plain failure"))
	msg = readMessage(t, ctx, conn)
	_ = json.Unmarshal(msg.Data, &data)
	if data.Error != "plain failure" || data.Code != "" {
		t.Errorf("error data = %+v", data)
	}

	handler.OnComplete(sync.Summary{RemoteDeviceID: "peer", FilesReceived: 2})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeComplete, msg.Type)
	}
	var summary sync.Summary
	if err := json.Unmarshal(msg.Data, &summary); err != nil {
		t.Fatalf("Failed to unmarshal summary: %v", err)
	}
	if summary.RemoteDeviceID != "peer" || summary.FilesReceived != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestHandlerCoalescesProgress(t *testing.T) {
	// Not started: broadcasts queue up in the channel where the test reads them.
	server := NewServer(&Config{Port: 0, Logger: testLogger()})
	handler := NewHandler(server, testLogger())

	for i := 1; i <= 100; i++ {
		handler.OnProgress(sync.Progress{
			FileID:    "f1",
			Direction: sync.DirectionReceive,
			Fraction:  float64(i) / 100,
		})
	}

	var fractions []float64
	for len(server.broadcast) > 0 {
		msg := <-server.broadcast
		var p sync.Progress
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Fatalf("Failed to unmarshal progress: %v", err)
		}
		fractions = append(fractions, p.Fraction)
	}

	if len(fractions) < 2 || len(fractions) > 25 {
		t.Fatalf("broadcast %d progress messages, want a coalesced handful", len(fractions))
	}
	if fractions[0] != 0.01 {
		t.Errorf("first update = %v, want 0.01", fractions[0])
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("last update = %v, want 1", last)
	}
}
