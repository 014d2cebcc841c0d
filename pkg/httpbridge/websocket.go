package httpbridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/llm"
)

var upgrader = websocket.Upgrader{
	// The bridge listens on loopback by default and serves local clients.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Websocket message types.
const (
	WSSend       = "send"
	WSRegenerate = "regenerate"
	WSAbort      = "abort"
	WSToken      = "token"
	WSReply      = "reply"
	WSAborted    = "aborted"
	WSError      = "error"
)

// WSRequest is a client message on /ws.
type WSRequest struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationID"`
	// MessageID is the user turn id for send and the assistant turn to
	// replace for regenerate.
	MessageID          string             `json:"messageID,omitempty"`
	Message            string             `json:"message,omitempty"`
	AssistantMessageID string             `json:"assistantMessageID,omitempty"`
	ModelPath          string             `json:"modelPath,omitempty"`
	SystemPrompt       string             `json:"systemPrompt,omitempty"`
	PromptOptions      chat.PromptOptions `json:"promptOptions,omitempty"`
	SelectedFile       string             `json:"selectedFile,omitempty"`
	ActiveToolIDs      []string           `json:"activeToolIDs,omitempty"`
}

// WSResponse is a server message on /ws.
type WSResponse struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationID,omitempty"`
	MessageID      string         `json:"messageID,omitempty"`
	Token          string         `json:"token,omitempty"`
	Reply          *ReplyResponse `json:"reply,omitempty"`
	Aborted        bool           `json:"aborted,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// wsConn serialises writes; replies for different conversations stream
// concurrently.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (c *wsConn) send(msg WSResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write error", zap.Error(err))
	}
}

func (c *wsConn) sendError(conversationID, errMsg string) {
	c.send(WSResponse{Type: WSError, ConversationID: conversationID, Error: errMsg})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())

	client := &wsConn{conn: conn, logger: s.logger}
	var wg sync.WaitGroup
	defer wg.Wait()
	// cancel runs before wg.Wait so in-flight generations stop
	defer cancel()

	s.logger.Debug("websocket client connected")
	for {
		var msg WSRequest
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case WSSend, WSRegenerate:
			if msg.ConversationID == "" {
				client.sendError("", "conversationID is required")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleWSGenerate(ctx, client, msg)
			}()
		case WSAbort:
			client.send(WSResponse{
				Type:           WSAborted,
				ConversationID: msg.ConversationID,
				Aborted:        s.chatter.Abort(msg.ConversationID),
			})
		default:
			client.sendError(msg.ConversationID, "unknown message type: "+msg.Type)
		}
	}
	s.logger.Debug("websocket client disconnected")
}

func (s *Server) handleWSGenerate(ctx context.Context, client *wsConn, msg WSRequest) {
	messageID := msg.MessageID
	var run func(context.Context, chats.TokenFunc) (chats.Reply, error)

	switch msg.Type {
	case WSSend:
		if msg.Message == "" {
			client.sendError(msg.ConversationID, "message is required")
			return
		}
		messageID = msg.AssistantMessageID
		if messageID == "" {
			messageID = uuid.New().String()
		}
		req := SendMessageRequest{
			Message:            msg.Message,
			MessageID:          msg.MessageID,
			AssistantMessageID: messageID,
			ModelPath:          msg.ModelPath,
			SystemPrompt:       msg.SystemPrompt,
			PromptOptions:      msg.PromptOptions,
			SelectedFile:       msg.SelectedFile,
			ActiveToolIDs:      msg.ActiveToolIDs,
		}
		run = func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
			return s.send(ctx, msg.ConversationID, req, onToken)
		}
	default:
		req := RegenerateRequest{
			ModelPath:     msg.ModelPath,
			SystemPrompt:  msg.SystemPrompt,
			PromptOptions: msg.PromptOptions,
			SelectedFile:  msg.SelectedFile,
		}
		run = func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
			return s.regenerate(ctx, msg.ConversationID, messageID, req, onToken)
		}
	}

	reply, err := run(ctx, func(token string) {
		s.sseBroadcast.Broadcast(SSEMessage{
			Event:          EventToken,
			ConversationID: msg.ConversationID,
			Data:           TokenData{MessageID: messageID, Token: token},
		})
		client.send(WSResponse{Type: WSToken, ConversationID: msg.ConversationID, MessageID: messageID, Token: token})
	})

	resp := newReplyResponse(reply)
	if resp.ConversationID == "" {
		resp.ConversationID = msg.ConversationID
	}
	if err != nil && !llm.IsCancellation(err) {
		_, errMsg := s.classify(err)
		s.sseBroadcast.Broadcast(SSEMessage{Event: EventError, ConversationID: msg.ConversationID, Data: ErrorResponse{Error: errMsg}})
		client.sendError(msg.ConversationID, errMsg)
		return
	}
	resp.Cancelled = err != nil

	s.sseBroadcast.Broadcast(SSEMessage{Event: EventReply, ConversationID: msg.ConversationID, Data: resp})
	client.send(WSResponse{Type: WSReply, ConversationID: msg.ConversationID, MessageID: resp.MessageID, Reply: &resp})
}
