package httpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEBroadcaster_AddRemoveClient(t *testing.T) {
	broadcaster := NewSSEBroadcaster(nil)

	client := broadcaster.AddClient("conv-123")
	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if got := broadcaster.ClientCount(); got != 1 {
		t.Errorf("Expected 1 client, got %d", got)
	}

	broadcaster.RemoveClient(client.ID)
	if got := broadcaster.ClientCount(); got != 0 {
		t.Errorf("Expected 0 clients, got %d", got)
	}

	// removing twice is a no-op
	broadcaster.RemoveClient(client.ID)
}

func TestSSEBroadcaster_Broadcast(t *testing.T) {
	broadcaster := NewSSEBroadcaster(nil)

	client1 := broadcaster.AddClient("conv-123")
	client2 := broadcaster.AddClient("conv-123")
	client3 := broadcaster.AddClient("conv-456")
	clientAll := broadcaster.AddClient(AllConversations)

	broadcaster.Broadcast(SSEMessage{
		Event:          EventToken,
		ConversationID: "conv-123",
		Data:           TokenData{MessageID: "a1", Token: "Hi"},
	})

	for name, client := range map[string]*SSEClient{"client1": client1, "client2": client2, "clientAll": clientAll} {
		select {
		case received := <-client.Channel:
			if received.Event != EventToken {
				t.Errorf("%s: expected event %q, got %q", name, EventToken, received.Event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s did not receive message", name)
		}
	}

	select {
	case <-client3.Channel:
		t.Error("client3 should not have received message for a different conversation")
	default:
	}

	broadcaster.RemoveClient(client1.ID)
	broadcaster.RemoveClient(client2.ID)
	broadcaster.RemoveClient(client3.ID)
	broadcaster.RemoveClient(clientAll.ID)
}

func TestSSEBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	broadcaster := NewSSEBroadcaster(nil)
	client := broadcaster.AddClient("conv-1")
	defer broadcaster.RemoveClient(client.ID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcaster.buffer*3; i++ {
			broadcaster.Broadcast(SSEMessage{Event: EventToken, ConversationID: "conv-1", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client")
	}
	if got := len(client.Channel); got != broadcaster.buffer {
		t.Errorf("Expected a full buffer of %d, got %d", broadcaster.buffer, got)
	}
}

func TestSSEBroadcaster_ServeHTTP(t *testing.T) {
	broadcaster := NewSSEBroadcaster(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		broadcaster.ServeHTTP(w, r, "conv-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// headers are flushed before the client is registered
	deadline := time.Now().Add(time.Second)
	for broadcaster.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	broadcaster.Broadcast(SSEMessage{Event: EventReply, ConversationID: "conv-1", Data: "done"})

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if eventLine != "event: reply\n" {
		t.Errorf("event line = %q", eventLine)
	}
	dataLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var msg SSEMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &msg); err != nil {
		t.Fatalf("data line %q: %v", dataLine, err)
	}
	if msg.ConversationID != "conv-1" || msg.Data != "done" {
		t.Errorf("unexpected message %+v", msg)
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for broadcaster.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := broadcaster.ClientCount(); got != 0 {
		t.Errorf("Expected client to be removed after disconnect, got %d", got)
	}
}
