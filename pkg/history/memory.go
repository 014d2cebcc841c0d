package history

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/soypete/pedrochat/pkg/chat"
)

// MemoryStore keeps threads in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*chat.Thread
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*chat.Thread)}
}

func (m *MemoryStore) CreateThread(ctx context.Context, nt NewThread) (chat.Thread, error) {
	th := nt.build()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[th.ID]; exists {
		return chat.Thread{}, fmt.Errorf("thread %s already exists", th.ID)
	}
	stored := cloneThread(th)
	m.threads[th.ID] = &stored
	return th, nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (chat.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	th, ok := m.threads[id]
	if !ok {
		return chat.Thread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return cloneThread(*th), nil
}

func (m *MemoryStore) ListThreads(ctx context.Context) ([]chat.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.Thread, 0, len(m.threads))
	for _, th := range m.threads {
		summary := *th
		summary.Messages = nil
		summary.ToolCalls = nil
		summary.ActiveToolIDs = slices.Clone(th.ActiveToolIDs)
		out = append(out, summary)
	}
	slices.SortFunc(out, func(a, b chat.Thread) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) RenameThread(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	th.Title = title
	return nil
}

func (m *MemoryStore) UpdateThread(ctx context.Context, id string, u ThreadUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	u.apply(th)
	return nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	delete(m.threads, id)
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, threadID string, turn chat.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if turn.Role == chat.RoleUser && isUnnamed(th.Title, len(th.Messages)) {
		th.Title = chat.TitleFrom(turn.Text, RenameTitleLen)
	}
	th.Messages = append(th.Messages, turn)
	return nil
}

func (m *MemoryStore) EditMessage(ctx context.Context, threadID, messageID, text string, state chat.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	for i := range th.Messages {
		if th.Messages[i].ID == messageID {
			th.Messages[i].Text = text
			if state != "" {
				th.Messages[i].State = state
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

func (m *MemoryStore) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	idx := slices.IndexFunc(th.Messages, func(t chat.Turn) bool { return t.ID == messageID })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	th.Messages = slices.Delete(th.Messages, idx, idx+1)
	return nil
}

func (m *MemoryStore) AddToolCall(ctx context.Context, threadID string, call chat.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	th.ToolCalls = append(th.ToolCalls, call)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneThread(th chat.Thread) chat.Thread {
	th.Messages = slices.Clone(th.Messages)
	th.ToolCalls = slices.Clone(th.ToolCalls)
	th.ActiveToolIDs = slices.Clone(th.ActiveToolIDs)
	return th
}
