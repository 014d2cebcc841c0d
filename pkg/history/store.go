// Package history persists conversation threads so sessions can be
// rehydrated after a restart. It ships an in-memory store and a SQL store
// backed by SQLite or PostgreSQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/soypete/pedrochat/pkg/chat"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Title lengths used when a thread is named after a message.
const (
	NewThreadTitleLen = 36
	RenameTitleLen    = 100
)

// Store is the history collaborator used by the chat manager and surfaces.
type Store interface {
	CreateThread(ctx context.Context, nt NewThread) (chat.Thread, error)
	// GetThread returns the thread with its messages and tool calls.
	GetThread(ctx context.Context, id string) (chat.Thread, error)
	// ListThreads returns threads newest first, without messages.
	ListThreads(ctx context.Context) ([]chat.Thread, error)
	RenameThread(ctx context.Context, id, title string) error
	// UpdateThread changes the settings named by u.
	UpdateThread(ctx context.Context, id string, u ThreadUpdate) error
	DeleteThread(ctx context.Context, id string) error
	// AddMessage appends a turn. A user turn added to an unnamed thread
	// renames it after the message.
	AddMessage(ctx context.Context, threadID string, turn chat.Turn) error
	EditMessage(ctx context.Context, threadID, messageID, text string, state chat.State) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	AddToolCall(ctx context.Context, threadID string, call chat.ToolCall) error
	Close() error
}

// NewThread describes a thread to create. FirstMessage, when set, names
// the thread and becomes its first user turn.
type NewThread struct {
	ID            string
	ModelID       string
	FirstMessage  *chat.Turn
	SystemPrompt  string
	Temperature   *float64 // nil gets chat.DefaultTemperature
	TopP          float64
	FilePath      string
	ActiveToolIDs []string
}

// build applies defaults and returns the thread to store.
func (nt NewThread) build() chat.Thread {
	th := chat.Thread{
		ID:            nt.ID,
		Title:         chat.DefaultThreadTitle,
		ModelID:       nt.ModelID,
		CreatedAt:     time.Now().UTC(),
		TopP:          nt.TopP,
		Temperature:   chat.DefaultTemperature,
		SystemPrompt:  nt.SystemPrompt,
		FilePath:      nt.FilePath,
		ActiveToolIDs: nt.ActiveToolIDs,
	}
	if th.ID == "" {
		th.ID = uuid.New().String()
	}
	if th.TopP == 0 {
		th.TopP = chat.DefaultTopP
	}
	if nt.Temperature != nil {
		th.Temperature = *nt.Temperature
	}
	if th.SystemPrompt == "" {
		th.SystemPrompt = chat.DefaultSystemPrompt
	}
	if nt.FirstMessage != nil {
		if nt.FirstMessage.Text != "" {
			th.Title = chat.TitleFrom(nt.FirstMessage.Text, NewThreadTitleLen)
		}
		th.Messages = []chat.Turn{*nt.FirstMessage}
	}
	return th
}

// ThreadUpdate changes thread settings. Nil fields are left alone. A non-nil
// empty ActiveToolIDs disables every tool.
type ThreadUpdate struct {
	ModelID       *string
	SystemPrompt  *string
	Temperature   *float64
	TopP          *float64
	FilePath      *string
	ActiveToolIDs []string
}

func (u ThreadUpdate) apply(th *chat.Thread) {
	if u.ModelID != nil {
		th.ModelID = *u.ModelID
	}
	if u.SystemPrompt != nil {
		th.SystemPrompt = *u.SystemPrompt
	}
	if u.Temperature != nil {
		th.Temperature = *u.Temperature
	}
	if u.TopP != nil {
		th.TopP = *u.TopP
	}
	if u.FilePath != nil {
		th.FilePath = *u.FilePath
	}
	if u.ActiveToolIDs != nil {
		th.ActiveToolIDs = slices.Clone(u.ActiveToolIDs)
	}
}

// isUnnamed reports whether a thread should be renamed by its next user
// message.
func isUnnamed(title string, messages int) bool {
	return messages == 0 || title == chat.DefaultThreadTitle || title == ""
}

// Config selects and configures a Store.
type Config struct {
	// Driver is "memory", "sqlite" (default) or "postgres".
	Driver string
	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string
}

// Open creates the store described by cfg and runs migrations for SQL
// backends.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite", "sqlite3", "postgres", "postgresql":
		store, err := NewSQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported history driver: %s", cfg.Driver)
	}
}
