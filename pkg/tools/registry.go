package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned for ids that are not registered.
var ErrToolNotFound = errors.New("tool not found")

// RegistryEventType represents the type of registry event
type RegistryEventType string

const (
	EventToolRegistered   RegistryEventType = "registered"
	EventToolUnregistered RegistryEventType = "unregistered"
)

// RegistryEvent is emitted when the registry changes
type RegistryEvent struct {
	Type   RegistryEventType
	ToolID string
	Tool   Tool
}

// RegistryEventListener is called when registry events occur
type RegistryEventListener func(event RegistryEvent)

// Registry holds the tools available to the dispatcher, keyed by id.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	listeners []RegistryEventListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. The id must be unique.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tool.Descriptor().ID
	if id == "" {
		return fmt.Errorf("tool %q has no id", tool.Descriptor().Name)
	}
	if _, exists := r.tools[id]; exists {
		return fmt.Errorf("tool %q already registered", id)
	}

	r.tools[id] = tool
	r.notifyListeners(RegistryEvent{Type: EventToolRegistered, ToolID: id, Tool: tool})
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, exists := r.tools[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}

	delete(r.tools, id)
	r.notifyListeners(RegistryEvent{Type: EventToolUnregistered, ToolID: id, Tool: tool})
	return nil
}

// Get retrieves a tool by id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[id]
	return tool, ok
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors returns the descriptors of the given ids in the given order.
// With no ids it returns every tool sorted by id. Unknown ids are an error.
func (r *Registry) Descriptors(ids ...string) ([]Descriptor, error) {
	if len(ids) == 0 {
		ids = r.IDs()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		tool, ok := r.tools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, id)
		}
		out = append(out, tool.Descriptor())
	}
	return out, nil
}

// AddListener registers an event listener that will be called on registry changes
func (r *Registry) AddListener(listener RegistryEventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

// notifyListeners must be called with the lock held.
func (r *Registry) notifyListeners(event RegistryEvent) {
	for _, listener := range r.listeners {
		listener(event)
	}
}
