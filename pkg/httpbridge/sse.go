package httpbridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AllConversations subscribes a client to every conversation.
const AllConversations = "*"

// SSE event names.
const (
	EventToken  = "token"
	EventReply  = "reply"
	EventError  = "error"
	EventThread = "thread"
)

// SSEClient represents a connected SSE client
type SSEClient struct {
	ID             string
	ConversationID string          // Conversation to watch, or "*" for all
	Channel        chan SSEMessage // Buffered channel for messages
	done           chan struct{}   // Closed when the client is removed
}

// SSEMessage represents a message to send via SSE
type SSEMessage struct {
	Event          string      `json:"event"`
	ConversationID string      `json:"conversationID"`
	Data           interface{} `json:"data"`
}

// TokenData is the payload of a token event.
type TokenData struct {
	MessageID string `json:"messageID"`
	Token     string `json:"token"`
}

// SSEBroadcaster fans conversation events out to SSE clients
type SSEBroadcaster struct {
	clients map[string]*SSEClient
	mutex   sync.RWMutex
	buffer  int
	logger  *zap.Logger
}

// NewSSEBroadcaster creates a new SSE broadcaster
func NewSSEBroadcaster(logger *zap.Logger) *SSEBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEBroadcaster{
		clients: make(map[string]*SSEClient),
		buffer:  64,
		logger:  logger,
	}
}

// AddClient adds a new SSE client
func (b *SSEBroadcaster) AddClient(conversationID string) *SSEClient {
	client := &SSEClient{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Channel:        make(chan SSEMessage, b.buffer),
		done:           make(chan struct{}),
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.clients[client.ID] = client

	return client
}

// RemoveClient removes an SSE client
func (b *SSEBroadcaster) RemoveClient(clientID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if client, exists := b.clients[clientID]; exists {
		close(client.done)
		close(client.Channel)
		delete(b.clients, clientID)
	}
}

// ClientCount returns the number of connected clients
func (b *SSEBroadcaster) ClientCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.clients)
}

// Broadcast sends a message to every client watching its conversation or
// all conversations. Slow clients drop messages instead of blocking the
// generation that produced them.
func (b *SSEBroadcaster) Broadcast(message SSEMessage) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, client := range b.clients {
		if client.ConversationID != message.ConversationID && client.ConversationID != AllConversations {
			continue
		}
		select {
		case client.Channel <- message:
		default:
			b.logger.Debug("sse client lagging, dropping message",
				zap.String("client_id", client.ID),
				zap.String("event", message.Event))
		}
	}
}

// ServeHTTP streams events for one conversation until the client leaves
func (b *SSEBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := b.AddClient(conversationID)
	defer b.RemoveClient(client.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case msg, ok := <-client.Channel:
			if !ok {
				return
			}
			if err := writeSSE(w, msg.Event, msg); err != nil {
				b.logger.Debug("sse write failed", zap.String("client_id", client.ID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// writeSSE writes one event frame with a JSON data line.
func writeSSE(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
