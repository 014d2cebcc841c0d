// Package session owns the single active chat session and the per-conversation
// cancel handles. A session is keyed by model path and conversation id; asking
// for a different key replaces the current session.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/launcher"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/models"
	"github.com/soypete/pedrochat/pkg/prompt"
	"github.com/soypete/pedrochat/pkg/window"
)

// ErrSessionNotFound is returned when no session is cached.
var ErrSessionNotFound = errors.New("session not found")

// Session is the live state of one conversation against one model.
type Session struct {
	Key            string
	ModelPath      string
	ModelName      string
	ConversationID string
	Model          models.Model
	File           models.File
	Parameters     llm.ModelParameters
	Window         *window.Window
}

// Family returns the prompt family of the session's model.
func (s *Session) Family() prompt.Family {
	return s.Window.Template().Family()
}

// Key builds the cache key for a model and conversation.
func Key(modelPath, conversationID string) string {
	return modelPath + "-" + conversationID
}

// ResolveRequest selects the session to use.
type ResolveRequest struct {
	ModelPath      string
	ConversationID string

	// ForceReinit rebuilds the session even when the key matches.
	ForceReinit bool

	// Window hydrates a rebuilt session instead of starting empty.
	Window *window.Window

	// Turns seed the window of a rebuilt session when Window is nil. They
	// are ignored when the cached session is reused.
	Turns []chat.Turn
}

// Config wires a Registry to its collaborators.
type Config struct {
	Catalog    *models.Catalog
	Launcher   launcher.Launcher
	Parameters llm.ParameterSource

	// ModelsDir is where supporting files such as mmproj projectors live.
	// Defaults to the directory of the model file.
	ModelsDir string

	Logger *zap.Logger
}

// Registry caches the current session and tracks cancel handles.
type Registry struct {
	catalog    *models.Catalog
	launcher   launcher.Launcher
	parameters llm.ParameterSource
	modelsDir  string
	logger     *zap.Logger

	mu      sync.Mutex
	current *Session

	handlesMu sync.Mutex
	handles   map[string]*handle
}

type handle struct {
	cancel context.CancelFunc
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Catalog == nil {
		cfg.Catalog = models.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		catalog:    cfg.Catalog,
		launcher:   cfg.Launcher,
		parameters: cfg.Parameters,
		modelsDir:  cfg.ModelsDir,
		logger:     cfg.Logger,
		handles:    make(map[string]*handle),
	}
}

// Resolve returns the cached session when the key matches and ForceReinit is
// false. Otherwise it launches the model, reads its parameters and replaces
// the current session.
func (r *Registry) Resolve(ctx context.Context, req ResolveRequest) (*Session, error) {
	key := Key(req.ModelPath, req.ConversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !req.ForceReinit && r.current != nil && r.current.Key == key {
		return r.current, nil
	}

	modelName := filepath.Base(req.ModelPath)
	model, file, err := r.catalog.LookupFile(modelName)
	if err != nil {
		return nil, fmt.Errorf("could not find model (for prompt template): %w", err)
	}

	spec := launcher.Spec{ModelPath: req.ModelPath, Multimodal: file.Multimodal}
	if mmproj := file.MMProj(); mmproj != "" {
		dir := r.modelsDir
		if dir == "" {
			dir = filepath.Dir(req.ModelPath)
		}
		spec.MMProjPath = filepath.Join(dir, mmproj)
	}

	if r.launcher != nil {
		if err := r.launcher.EnsureRunning(ctx, spec); err != nil {
			return nil, fmt.Errorf("launch %s: %w", modelName, err)
		}
	}

	params, err := r.parameters.ModelParameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("read model parameters: %w", err)
	}

	win := req.Window
	if win == nil {
		win = window.New(prompt.New(model.PromptTemplate), req.Turns...)
	}

	s := &Session{
		Key:            key,
		ModelPath:      req.ModelPath,
		ModelName:      modelName,
		ConversationID: req.ConversationID,
		Model:          model,
		File:           file,
		Parameters:     params,
		Window:         win,
	}

	if r.current != nil && r.current.Key != key {
		r.logger.Debug("replacing session",
			zap.String("previous", r.current.Key),
			zap.String("next", key))
	}
	r.current = s

	r.logger.Info("session initialized",
		zap.String("model", modelName),
		zap.String("conversation_id", req.ConversationID),
		zap.String("family", string(model.PromptTemplate)),
		zap.Int("n_ctx", params.ContextSize))

	return s, nil
}

// Current returns the cached session.
func (r *Registry) Current() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, ErrSessionNotFound
	}
	return r.current, nil
}

// Evict drops the cached session. It reports whether one was cached.
func (r *Registry) Evict() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.current != nil
	r.current = nil
	return had
}

// Begin creates the cancel handle for one generation in a conversation. A
// stale handle for the same conversation is cancelled first. The returned
// release func cancels the context and forgets the handle; it is safe to call
// more than once.
func (r *Registry) Begin(parent context.Context, conversationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	h := &handle{cancel: cancel}

	r.handlesMu.Lock()
	if stale, ok := r.handles[conversationID]; ok {
		stale.cancel()
	}
	r.handles[conversationID] = h
	r.handlesMu.Unlock()

	release := func() {
		cancel()
		r.handlesMu.Lock()
		if r.handles[conversationID] == h {
			delete(r.handles, conversationID)
		}
		r.handlesMu.Unlock()
	}
	return ctx, release
}

// Abort cancels the outstanding generation of a conversation. It reports
// whether there was one.
func (r *Registry) Abort(conversationID string) bool {
	r.handlesMu.Lock()
	h, ok := r.handles[conversationID]
	if ok {
		delete(r.handles, conversationID)
	}
	r.handlesMu.Unlock()

	if !ok {
		r.logger.Debug("no generation to abort", zap.String("conversation_id", conversationID))
		return false
	}
	h.cancel()
	return true
}

// Close cancels every outstanding generation and drops the session.
func (r *Registry) Close() {
	r.handlesMu.Lock()
	for id, h := range r.handles {
		h.cancel()
		delete(r.handles, id)
	}
	r.handlesMu.Unlock()
	r.Evict()
}
