package repl

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session represents the state of one REPL conversation
type Session struct {
	mu sync.RWMutex

	ModelPath       string    // Model the conversation runs on
	ConversationID  string    // Registry key and history thread id
	Title           string    // Thread title, empty until known
	SystemPrompt    string    // Empty means the thread or default prompt
	SelectedFile    string    // Attached to the next message only
	ActiveToolIDs   []string  // Tools the model may call
	LastAssistantID string    // Target of /regen
	History         []string  // Lines typed this session
	StartTime       time.Time // Session start time
}

// NewSession creates a session with a fresh conversation id
func NewSession(modelPath, systemPrompt string, toolIDs []string) *Session {
	return &Session{
		ModelPath:      modelPath,
		ConversationID: uuid.New().String(),
		SystemPrompt:   systemPrompt,
		ActiveToolIDs:  slices.Clone(toolIDs),
		History:        []string{},
		StartTime:      time.Now(),
	}
}

// NewConversation switches to a fresh conversation id and returns the old
// one. Tools and the system prompt carry over.
func (s *Session) NewConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ConversationID
	s.ConversationID = uuid.New().String()
	s.Title = ""
	s.SelectedFile = ""
	s.LastAssistantID = ""
	return old
}

// Resume points the session at a saved conversation.
func (s *Session) Resume(conversationID, title, modelPath, lastAssistantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConversationID = conversationID
	s.Title = title
	if modelPath != "" {
		s.ModelPath = modelPath
	}
	s.SelectedFile = ""
	s.LastAssistantID = lastAssistantID
}

// GetConversationID returns the current conversation id
func (s *Session) GetConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ConversationID
}

// SetTool enables or disables a tool and reports whether anything changed.
func (s *Session) SetTool(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.ActiveToolIDs, id)
	switch {
	case enabled && i < 0:
		s.ActiveToolIDs = append(s.ActiveToolIDs, id)
		return true
	case !enabled && i >= 0:
		s.ActiveToolIDs = slices.Delete(s.ActiveToolIDs, i, i+1)
		return true
	}
	return false
}

// SetTools replaces the active tools.
func (s *Session) SetTools(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActiveToolIDs = append([]string{}, ids...)
}

// ToolActive reports whether a tool is enabled
func (s *Session) ToolActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.ActiveToolIDs, id)
}

// Tools returns a copy of the active tool ids. The result is never nil so
// an empty list disables tools instead of inheriting the thread's.
func (s *Session) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.ActiveToolIDs...)
}

// TakeSelectedFile returns the attached file and clears it.
func (s *Session) TakeSelectedFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.SelectedFile
	s.SelectedFile = ""
	return f
}

// AddToHistory adds a line to the history
func (s *Session) AddToHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, line)
}

// GetHistory returns the typed lines
func (s *Session) GetHistory() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.History...)
}

// Prompt renders the readline prompt
func (s *Session) Prompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model := strings.TrimSuffix(filepath.Base(s.ModelPath), filepath.Ext(s.ModelPath))
	if model == "" || model == "." {
		model = "pedro"
	}
	if s.SelectedFile != "" {
		return fmt.Sprintf("%s [%s]> ", model, filepath.Base(s.SelectedFile))
	}
	return model + "> "
}
