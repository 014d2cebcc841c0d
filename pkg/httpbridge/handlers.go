package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/models"
	"github.com/soypete/pedrochat/pkg/window"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// SendMessageRequest is the body of POST /api/threads/{id}/messages.
type SendMessageRequest struct {
	Message            string             `json:"message"`
	MessageID          string             `json:"messageID,omitempty"`
	AssistantMessageID string             `json:"assistantMessageID,omitempty"`
	ModelPath          string             `json:"modelPath,omitempty"`
	SystemPrompt       string             `json:"systemPrompt,omitempty"`
	PromptOptions      chat.PromptOptions `json:"promptOptions,omitempty"`
	SelectedFile       string             `json:"selectedFile,omitempty"`
	// ActiveToolIDs falls back to the thread's tools when absent; an empty
	// list disables tools.
	ActiveToolIDs []string `json:"activeToolIDs,omitempty"`
}

// RegenerateRequest is the optional body of the regenerate endpoint.
type RegenerateRequest struct {
	ModelPath     string             `json:"modelPath,omitempty"`
	SystemPrompt  string             `json:"systemPrompt,omitempty"`
	PromptOptions chat.PromptOptions `json:"promptOptions,omitempty"`
	SelectedFile  string             `json:"selectedFile,omitempty"`
}

// CreateThreadRequest is the body of POST /api/threads.
type CreateThreadRequest struct {
	ID            string   `json:"id,omitempty"`
	ModelPath     string   `json:"modelPath,omitempty"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          float64  `json:"topP,omitempty"`
	FilePath      string   `json:"filePath,omitempty"`
	ActiveToolIDs []string `json:"activeToolIDs,omitempty"`
}

// UpdateThreadRequest is the body of PATCH /api/threads/{id}. Omitted
// fields are left alone.
type UpdateThreadRequest struct {
	Title         *string  `json:"title,omitempty"`
	ModelPath     *string  `json:"modelPath,omitempty"`
	SystemPrompt  *string  `json:"systemPrompt,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	FilePath      *string  `json:"filePath,omitempty"`
	ActiveToolIDs []string `json:"activeToolIDs,omitempty"`
}

// ReplyResponse is the outcome of a send or regenerate.
type ReplyResponse struct {
	ConversationID string      `json:"conversationID"`
	MessageID      string      `json:"messageID"`
	Text           string      `json:"text"`
	Generated      bool        `json:"generated"`
	ToolTurns      []chat.Turn `json:"toolTurns,omitempty"`
	Evicted        int         `json:"evicted"`
	Cancelled      bool        `json:"cancelled,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	ModelServer string `json:"modelServer"`
	SSEClients  int    `json:"sseClients"`
	Timestamp   string `json:"timestamp"`
}

func newReplyResponse(reply chats.Reply) ReplyResponse {
	return ReplyResponse{
		ConversationID: reply.ConversationID,
		MessageID:      reply.MessageID,
		Text:           reply.Text,
		Generated:      reply.Generated,
		ToolTurns:      reply.ToolTurns,
		Evicted:        reply.Evicted,
	}
}

// handleHealth checks if the model server is reachable
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		ModelServer: "unknown",
		SSEClients:  s.sseBroadcast.ClientCount(),
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.ModelServer = err.Error()
		} else {
			resp.ModelServer = "ok"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleTools lists the tools a message may activate
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tools)
}

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "history is disabled")
		return false
	}
	return true
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	threads, err := s.history.ListThreads(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if threads == nil {
		threads = []chat.Thread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	var req CreateThreadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	modelPath := req.ModelPath
	if modelPath == "" {
		modelPath = s.modelPath
	}

	th, err := s.history.CreateThread(r.Context(), history.NewThread{
		ID:            req.ID,
		ModelID:       modelPath,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		FilePath:      req.FilePath,
		ActiveToolIDs: req.ActiveToolIDs,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.sseBroadcast.Broadcast(SSEMessage{Event: EventThread, ConversationID: th.ID, Data: th})
	respondJSON(w, http.StatusCreated, th)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	th, err := s.history.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, th)
}

func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	var req UpdateThreadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	id := r.PathValue("id")
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		respondError(w, http.StatusBadRequest, "temperature must be between 0 and 2")
		return
	}
	if p := req.TopP; p != nil && (*p < 0 || *p > 1) {
		respondError(w, http.StatusBadRequest, "topP must be between 0 and 1")
		return
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			respondError(w, http.StatusBadRequest, "title must not be empty")
			return
		}
		if err := s.history.RenameThread(r.Context(), id, title); err != nil {
			s.respondErr(w, err)
			return
		}
	}

	err := s.history.UpdateThread(r.Context(), id, history.ThreadUpdate{
		ModelID:       req.ModelPath,
		SystemPrompt:  req.SystemPrompt,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		FilePath:      req.FilePath,
		ActiveToolIDs: req.ActiveToolIDs,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	th, err := s.history.GetThread(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.sseBroadcast.Broadcast(SSEMessage{Event: EventThread, ConversationID: id, Data: th})
	respondJSON(w, http.StatusOK, th)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	id := r.PathValue("id")
	th, err := s.history.GetThread(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.chatter.Cleanup(r.Context(), s.threadModel(th), id); err != nil {
		s.logger.Warn("cleanup failed", zap.String("conversation_id", id), zap.Error(err))
	}
	if err := s.history.DeleteThread(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	aborted := s.chatter.Abort(r.PathValue("id"))
	respondJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = AllConversations
	}
	s.sseBroadcast.ServeHTTP(w, r, id)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.AssistantMessageID == "" {
		req.AssistantMessageID = uuid.New().String()
	}
	id := r.PathValue("id")

	s.streamReply(w, r, id, req.AssistantMessageID, func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
		return s.send(ctx, id, req, onToken)
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	id := r.PathValue("id")
	messageID := r.PathValue("messageID")

	s.streamReply(w, r, id, messageID, func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
		return s.regenerate(ctx, id, messageID, req, onToken)
	})
}

func (s *Server) send(ctx context.Context, conversationID string, req SendMessageRequest, onToken chats.TokenFunc) (chats.Reply, error) {
	modelPath, err := s.resolveModel(ctx, conversationID, req.ModelPath)
	if err != nil {
		return chats.Reply{}, err
	}
	return s.chatter.SendMessage(ctx, chats.SendRequest{
		ModelPath:          modelPath,
		ConversationID:     conversationID,
		Message:            req.Message,
		MessageID:          req.MessageID,
		AssistantMessageID: req.AssistantMessageID,
		SystemPrompt:       req.SystemPrompt,
		PromptOptions:      req.PromptOptions,
		SelectedFile:       req.SelectedFile,
		ActiveToolIDs:      req.ActiveToolIDs,
	}, onToken)
}

func (s *Server) regenerate(ctx context.Context, conversationID, messageID string, req RegenerateRequest, onToken chats.TokenFunc) (chats.Reply, error) {
	modelPath, err := s.resolveModel(ctx, conversationID, req.ModelPath)
	if err != nil {
		return chats.Reply{}, err
	}
	return s.chatter.RegenerateMessage(ctx, chats.RegenerateRequest{
		ModelPath:      modelPath,
		ConversationID: conversationID,
		MessageID:      messageID,
		SystemPrompt:   req.SystemPrompt,
		PromptOptions:  req.PromptOptions,
		SelectedFile:   req.SelectedFile,
	}, onToken)
}

var errNoModel = errors.New("no model path given and none configured")

// resolveModel picks the requested model, then the thread's, then the
// server default.
func (s *Server) resolveModel(ctx context.Context, conversationID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.history != nil {
		if th, err := s.history.GetThread(ctx, conversationID); err == nil {
			requested = s.threadModel(th)
		}
	}
	if requested == "" {
		requested = s.modelPath
	}
	if requested == "" {
		return "", errNoModel
	}
	return requested, nil
}

func (s *Server) threadModel(th chat.Thread) string {
	if th.ModelID != "" {
		return th.ModelID
	}
	return s.modelPath
}

// streamReply runs one answer. Tokens always go to the event broadcaster;
// when the client asks for text/event-stream they are also streamed on the
// response, otherwise the final reply is returned as JSON.
func (s *Server) streamReply(w http.ResponseWriter, r *http.Request, conversationID, messageID string, run func(context.Context, chats.TokenFunc) (chats.Reply, error)) {
	stream := wantsStream(r)
	var flusher http.Flusher
	if stream {
		var ok bool
		if flusher, ok = w.(http.Flusher); !ok {
			respondError(w, http.StatusInternalServerError, "Streaming unsupported")
			return
		}
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}

	var streamErr error
	reply, err := run(r.Context(), func(token string) {
		data := TokenData{MessageID: messageID, Token: token}
		s.sseBroadcast.Broadcast(SSEMessage{
			Event:          EventToken,
			ConversationID: conversationID,
			Data:           data,
		})
		if stream && streamErr == nil {
			if streamErr = writeSSE(w, EventToken, data); streamErr == nil {
				flusher.Flush()
			}
		}
	})

	resp := newReplyResponse(reply)
	if resp.ConversationID == "" {
		resp.ConversationID = conversationID
	}

	switch {
	case err == nil:
	case llm.IsCancellation(err):
		resp.Cancelled = true
	default:
		status, msg := s.classify(err)
		s.sseBroadcast.Broadcast(SSEMessage{Event: EventError, ConversationID: conversationID, Data: ErrorResponse{Error: msg}})
		if stream {
			if werr := writeSSE(w, EventError, ErrorResponse{Error: msg}); werr == nil {
				flusher.Flush()
			}
			return
		}
		respondError(w, status, msg)
		return
	}

	s.sseBroadcast.Broadcast(SSEMessage{Event: EventReply, ConversationID: conversationID, Data: resp})
	if stream {
		if werr := writeSSE(w, EventReply, resp); werr == nil {
			flusher.Flush()
		}
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("stream"); v == "1" || v == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// classify maps an error to a status and client-facing message.
func (s *Server) classify(err error) (int, string) {
	switch {
	case errors.Is(err, history.ErrThreadNotFound), errors.Is(err, history.ErrMessageNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, window.ErrBudgetExceeded):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, errNoModel):
		return http.StatusBadRequest, err.Error()
	case llm.IsProtocolError(err):
		s.logger.Error("model server protocol error", zap.Error(err))
		return http.StatusBadGateway, err.Error()
	default:
		s.logger.Error("request failed", zap.Error(err))
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, msg := s.classify(err)
	respondError(w, status, msg)
}

// decodeJSON decodes a bounded JSON body. An empty body is accepted when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return false
	}
	return true
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
