// Package chat holds the conversation types shared by the window, prompt,
// session, tool and history packages.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// State tracks whether a turn is still being produced.
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
)

// Defaults applied to new threads.
const (
	DefaultSystemPrompt = "You are a helpful AI assistant."
	DefaultTemperature  = 0.5
	DefaultTopP         = 0.3
	DefaultTopK         = 20
	DefaultThreadTitle  = "New Thread"
)

// Turn is one message in a conversation.
type Turn struct {
	ID     string    `json:"id" yaml:"id"`
	Role   Role      `json:"role" yaml:"role"`
	Text   string    `json:"message" yaml:"message"`
	State  State     `json:"state,omitempty" yaml:"state,omitempty"`
	Date   time.Time `json:"date" yaml:"date"`
	ToolID string    `json:"toolID,omitempty" yaml:"tool_id,omitempty"`
}

// NewTurn creates a sent turn with a fresh id.
func NewTurn(role Role, text string) Turn {
	return Turn{
		ID:    uuid.New().String(),
		Role:  role,
		Text:  text,
		State: StateSent,
		Date:  time.Now().UTC(),
	}
}

// NewPendingTurn creates an empty placeholder that is filled in while streaming.
func NewPendingTurn(id string, role Role) Turn {
	if id == "" {
		id = uuid.New().String()
	}
	return Turn{
		ID:    id,
		Role:  role,
		State: StatePending,
		Date:  time.Now().UTC(),
	}
}

// PromptOptions are per-conversation sampling overrides. Zero values mean
// unset, except Temperature where nil is unset and 0 samples greedily.
type PromptOptions struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        float64  `json:"topP,omitempty" yaml:"top_p,omitempty"`
	TopK        int      `json:"topK,omitempty" yaml:"top_k,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Float returns a pointer to v, for optional values such as Temperature.
func Float(v float64) *float64 {
	return &v
}

// ToolCall records one tool invocation inside a thread.
type ToolCall struct {
	ToolID     string           `json:"toolID"`
	MessageID  string           `json:"messageID"`
	Parameters []map[string]any `json:"parameters"`
}

// Thread is the persisted form of a conversation.
type Thread struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ModelID       string     `json:"modelID"`
	CreatedAt     time.Time  `json:"createdAt"`
	Messages      []Turn     `json:"messages"`
	TopP          float64    `json:"topP"`
	Temperature   float64    `json:"temperature"`
	SystemPrompt  string     `json:"systemPrompt"`
	FilePath      string     `json:"filePath,omitempty"`
	ActiveToolIDs []string   `json:"activeToolIDs,omitempty"`
	ToolCalls     []ToolCall `json:"toolCalls,omitempty"`
}

// TitleFrom truncates text to at most n runes for use as a thread title.
func TitleFrom(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

// OutOfBandRequest is a one-shot generation that never touches a
// conversation's history, such as a tool asking for a summary.
type OutOfBandRequest struct {
	Message            string
	SystemPrompt       string
	MessageID          string
	AssistantMessageID string
	ConversationID     string
	ModelPath          string
	PromptOptions      PromptOptions
}
