// Package chats runs one conversational turn end to end: it resolves the
// session, shifts the message window, optionally dispatches tools, streams
// the reply and records the result in the history store.
package chats

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/docsearch"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/launcher"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/metrics"
	"github.com/soypete/pedrochat/pkg/session"
	"github.com/soypete/pedrochat/pkg/tools"
	"github.com/soypete/pedrochat/pkg/vision"
	"github.com/soypete/pedrochat/pkg/window"
)

// Generation kinds used as metric labels.
const (
	kindSend       = "send"
	kindRegenerate = "regenerate"
	kindOutOfBand  = "out_of_band"
)

// Backend is what the manager needs from the inference server.
type Backend interface {
	llm.Streamer
	llm.Tokenizer
}

// TokenFunc receives streamed content in arrival order.
type TokenFunc func(token string)

// Config wires a Manager.
type Config struct {
	Registry *session.Registry
	Backend  Backend

	// Optional collaborators.
	Dispatcher *tools.Dispatcher
	Searcher   docsearch.Searcher
	Images     *vision.ImageProcessor
	History    history.Store
	Launcher   launcher.Launcher

	// Defaults are the sampling values used when neither the request nor
	// the thread sets them.
	Defaults chat.PromptOptions

	// FollowUpAfterTools streams an assistant reply even when every
	// selected tool succeeded.
	FollowUpAfterTools bool

	Logger *zap.Logger
}

// Manager serialises the turns of each conversation.
type Manager struct {
	registry   *session.Registry
	backend    Backend
	dispatcher *tools.Dispatcher
	searcher   docsearch.Searcher
	images     *vision.ImageProcessor
	history    history.Store
	launcher   launcher.Launcher
	defaults   chat.PromptOptions
	followUp   bool
	logger     *zap.Logger

	// locks are never removed: a send may still hold one when Cleanup runs.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		registry:   cfg.Registry,
		backend:    cfg.Backend,
		dispatcher: cfg.Dispatcher,
		searcher:   cfg.Searcher,
		images:     cfg.Images,
		history:    cfg.History,
		launcher:   cfg.Launcher,
		defaults:   cfg.Defaults,
		followUp:   cfg.FollowUpAfterTools,
		logger:     cfg.Logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lock returns the unlock func for a conversation's mutex.
func (m *Manager) lock(conversationID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[conversationID] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// SendRequest is one user message.
type SendRequest struct {
	ModelPath      string
	ConversationID string
	Message        string

	// MessageID and AssistantMessageID default to fresh ids.
	MessageID          string
	AssistantMessageID string

	// SystemPrompt defaults to the thread's prompt, then to
	// chat.DefaultSystemPrompt.
	SystemPrompt  string
	PromptOptions chat.PromptOptions

	// SelectedFile is a document answered through retrieval or an image
	// attached for multimodal models.
	SelectedFile string

	// ActiveToolIDs defaults to the thread's active tools. An empty,
	// non-nil slice disables tools.
	ActiveToolIDs []string
}

// Reply is the outcome of a send or regenerate.
type Reply struct {
	ConversationID string
	// MessageID is the assistant turn id.
	MessageID string
	Text      string
	// Generated is false when the tool results stood in for a reply.
	Generated bool
	ToolTurns []chat.Turn
	Evicted   int
}

// SendMessage appends the user message, fits the window to the context
// budget, runs any selected tools and streams the assistant reply. A session
// rebuilt for a stored thread starts from the thread's messages. On
// cancellation the partial reply is kept and the error satisfies
// llm.IsCancellation.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest, onToken TokenFunc) (Reply, error) {
	if req.ConversationID == "" {
		return Reply{}, errors.New("conversation id is required")
	}
	unlock := m.lock(req.ConversationID)
	defer unlock()

	thread, hasThread := m.thread(ctx, req.ConversationID)
	sess, err := m.registry.Resolve(ctx, session.ResolveRequest{
		ModelPath:      req.ModelPath,
		ConversationID: req.ConversationID,
		Turns:          thread.Messages,
	})
	if err != nil {
		return Reply{}, err
	}

	opts := m.promptOptions(req.PromptOptions, thread, hasThread)

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" && hasThread {
		systemPrompt = thread.SystemPrompt
	}
	if systemPrompt == "" {
		systemPrompt = chat.DefaultSystemPrompt
	}

	activeTools := req.ActiveToolIDs
	if activeTools == nil && hasThread {
		activeTools = thread.ActiveToolIDs
	}

	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}
	if req.AssistantMessageID == "" {
		req.AssistantMessageID = uuid.New().String()
	}

	genCtx, release := m.registry.Begin(ctx, req.ConversationID)
	defer release()

	text := req.Message
	includeHistory := true
	var images []llm.ImageData

	if req.SelectedFile != "" {
		switch {
		case docsearch.UsesFilePrompt(req.SelectedFile) && m.searcher != nil:
			systemPrompt, err = docsearch.BuildFilePrompt(genCtx, m.searcher, req.SelectedFile, req.Message, systemPrompt)
			if err != nil {
				return Reply{}, err
			}
		case vision.IsImage(req.SelectedFile) && m.images != nil:
			attachment, err := m.images.Attach(req.SelectedFile)
			if err != nil {
				return Reply{}, fmt.Errorf("attach image: %w", err)
			}
			images = append(images, attachment.ImageData())
			text = attachment.Tag() + req.Message
			includeHistory = false
		default:
			m.logger.Warn("ignoring selected file",
				zap.String("file", req.SelectedFile),
				zap.String("conversation_id", req.ConversationID))
		}
	}

	userTurn := chat.NewTurn(chat.RoleUser, text)
	userTurn.ID = req.MessageID
	sess.Window.Append(userTurn)
	m.persistUserTurn(ctx, req, hasThread, systemPrompt, opts, activeTools, userTurn)

	reply := Reply{ConversationID: req.ConversationID, MessageID: req.AssistantMessageID}

	reply.Evicted, err = m.shift(genCtx, sess, systemPrompt, opts.MaxTokens, includeHistory)
	if err != nil {
		return reply, err
	}

	if len(activeTools) > 0 && m.dispatcher != nil {
		outcome, ran, err := m.dispatchTools(genCtx, sess, req, opts, activeTools)
		reply.ToolTurns = outcome.Turns
		if err != nil {
			return reply, err
		}
		if ran && outcome.Failed == 0 && !m.followUp {
			if n := len(outcome.Turns); n > 0 {
				reply.Text = outcome.Turns[n-1].Text
			}
			return reply, nil
		}
		if ran {
			if reply.Evicted, err = m.shift(genCtx, sess, systemPrompt, opts.MaxTokens, includeHistory); err != nil {
				return reply, err
			}
		}
	}

	completion := sampling(opts)
	completion.Prompt = sess.Window.Format(systemPrompt, includeHistory)
	completion.ImageData = images

	turn, err := m.generate(genCtx, kindSend, sess.Window, req.AssistantMessageID, completion, onToken)
	m.persistAssistantTurn(ctx, req.ConversationID, turn)
	reply.Text = turn.Text
	reply.Generated = true
	if err != nil {
		return reply, err
	}
	return reply, nil
}

// RegenerateRequest asks for a new answer in place of an assistant turn.
type RegenerateRequest struct {
	ModelPath      string
	ConversationID string
	// MessageID is the assistant turn to replace; the new answer reuses it.
	MessageID     string
	SystemPrompt  string
	PromptOptions chat.PromptOptions
	SelectedFile  string
}

// RegenerateMessage deletes the turn, streams a new answer over the
// remaining window, re-adds it under the same id and then shifts.
func (m *Manager) RegenerateMessage(ctx context.Context, req RegenerateRequest, onToken TokenFunc) (Reply, error) {
	if req.MessageID == "" {
		return Reply{}, errors.New("message id is required")
	}
	unlock := m.lock(req.ConversationID)
	defer unlock()

	thread, hasThread := m.thread(ctx, req.ConversationID)
	sess, err := m.registry.Resolve(ctx, session.ResolveRequest{
		ModelPath:      req.ModelPath,
		ConversationID: req.ConversationID,
		Turns:          thread.Messages,
	})
	if err != nil {
		return Reply{}, err
	}

	opts := m.promptOptions(req.PromptOptions, thread, hasThread)

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" && hasThread {
		systemPrompt = thread.SystemPrompt
	}
	if systemPrompt == "" {
		systemPrompt = chat.DefaultSystemPrompt
	}

	if err := sess.Window.Delete(req.MessageID); err != nil {
		m.logger.Debug("regenerating a turn that is not in the window",
			zap.String("message_id", req.MessageID))
	}
	if m.history != nil && hasThread {
		if err := m.history.DeleteMessage(ctx, req.ConversationID, req.MessageID); err != nil && !errors.Is(err, history.ErrMessageNotFound) {
			m.logger.Warn("failed to delete message from history", zap.Error(err))
		}
	}

	genCtx, release := m.registry.Begin(ctx, req.ConversationID)
	defer release()

	if req.SelectedFile != "" && docsearch.UsesFilePrompt(req.SelectedFile) && m.searcher != nil {
		if last, ok := sess.Window.Last(); ok {
			systemPrompt, err = docsearch.BuildFilePrompt(genCtx, m.searcher, req.SelectedFile, last.Text, systemPrompt)
			if err != nil {
				return Reply{}, err
			}
		}
	}

	completion := sampling(opts)
	completion.Prompt = sess.Window.Format(systemPrompt, true)

	reply := Reply{ConversationID: req.ConversationID, MessageID: req.MessageID, Generated: true}
	turn, err := m.generate(genCtx, kindRegenerate, sess.Window, req.MessageID, completion, onToken)
	m.persistAssistantTurn(ctx, req.ConversationID, turn)
	reply.Text = turn.Text
	if err != nil {
		return reply, err
	}

	reply.Evicted, err = m.shift(genCtx, sess, systemPrompt, opts.MaxTokens, true)
	if err != nil {
		return reply, err
	}
	return reply, nil
}

// SendOutOfBand renders only the given message with the given system
// prompt and returns the completion. The conversation window and history
// are left alone. It runs under the caller's context so that aborting the
// conversation also stops it.
func (m *Manager) SendOutOfBand(ctx context.Context, req chat.OutOfBandRequest) (string, error) {
	sess, err := m.registry.Resolve(ctx, session.ResolveRequest{
		ModelPath:      req.ModelPath,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return "", err
	}

	id := req.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	scratch := window.New(sess.Window.Template(), chat.Turn{
		ID:    id,
		Role:  chat.RoleUser,
		Text:  req.Message,
		State: chat.StateSent,
		Date:  time.Now().UTC(),
	})

	opts := m.promptOptions(req.PromptOptions, chat.Thread{}, false)
	if _, err := scratch.Shift(ctx, m.backend, window.ShiftParams{
		SystemPrompt: req.SystemPrompt,
		ContextSize:  sess.Parameters.ContextSize,
		MaxTokens:    opts.MaxTokens,
		Logger:       m.logger,
	}); err != nil {
		return "", err
	}

	completion := sampling(opts)
	completion.Prompt = scratch.Format(req.SystemPrompt, false)

	turn, err := m.generate(ctx, kindOutOfBand, nil, req.AssistantMessageID, completion, nil)
	return turn.Text, err
}

// LoadMessageList replaces the window of a conversation with turns.
func (m *Manager) LoadMessageList(ctx context.Context, modelPath, conversationID string, turns []chat.Turn) error {
	unlock := m.lock(conversationID)
	defer unlock()

	sess, err := m.registry.Resolve(ctx, session.ResolveRequest{
		ModelPath:      modelPath,
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}

	sess.Window.Clear()
	for _, t := range turns {
		if t.State == "" {
			t.State = chat.StateSent
		}
		sess.Window.Append(t)
	}
	m.logger.Debug("message list loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("turns", len(turns)))
	return nil
}

// LoadThread hydrates the window of a conversation from the history store.
func (m *Manager) LoadThread(ctx context.Context, modelPath, threadID string) (chat.Thread, error) {
	if m.history == nil {
		return chat.Thread{}, errors.New("no history store configured")
	}
	thread, err := m.history.GetThread(ctx, threadID)
	if err != nil {
		return chat.Thread{}, err
	}
	if modelPath == "" {
		modelPath = thread.ModelID
	}
	if err := m.LoadMessageList(ctx, modelPath, threadID, thread.Messages); err != nil {
		return chat.Thread{}, err
	}
	return thread, nil
}

// Abort cancels the in-flight generation of a conversation.
func (m *Manager) Abort(conversationID string) bool {
	return m.registry.Abort(conversationID)
}

// Cleanup aborts the conversation, drops its session and releases the
// model server.
func (m *Manager) Cleanup(ctx context.Context, modelPath, conversationID string) error {
	m.logger.Info("cleaning up chat session",
		zap.String("conversation_id", conversationID),
		zap.String("model", filepath.Base(modelPath)))

	m.registry.Abort(conversationID)
	if cur, err := m.registry.Current(); err == nil && cur.Key == session.Key(modelPath, conversationID) {
		m.registry.Evict()
	}

	if m.launcher != nil {
		if err := m.launcher.Release(ctx, modelPath); err != nil {
			return fmt.Errorf("release %s: %w", filepath.Base(modelPath), err)
		}
	}
	return nil
}

func (m *Manager) shift(ctx context.Context, sess *session.Session, systemPrompt string, maxTokens int, includeHistory bool) (int, error) {
	evicted, err := sess.Window.Shift(ctx, m.backend, window.ShiftParams{
		SystemPrompt:   systemPrompt,
		ContextSize:    sess.Parameters.ContextSize,
		MaxTokens:      maxTokens,
		IncludeHistory: includeHistory,
		Logger:         m.logger,
	})
	metrics.EvictedTurnsTotal.Add(float64(evicted))
	return evicted, err
}

// dispatchTools selects and runs tools. ran is false when the model chose
// none.
func (m *Manager) dispatchTools(ctx context.Context, sess *session.Session, req SendRequest, opts chat.PromptOptions, activeTools []string) (tools.Outcome, bool, error) {
	registry := m.dispatcher.Registry()
	var ids []string
	for _, id := range activeTools {
		if _, ok := registry.Get(id); ok {
			ids = append(ids, id)
		} else {
			m.logger.Warn("skipping unknown active tool", zap.String("tool", id))
		}
	}
	descs, err := registry.Descriptors(ids...)
	if err != nil || len(descs) == 0 {
		return tools.Outcome{}, false, err
	}

	selections, err := m.dispatcher.Select(ctx, req.Message, descs)
	if err != nil {
		return tools.Outcome{}, false, err
	}
	if len(selections) == 0 {
		return tools.Outcome{}, false, nil
	}

	outcome, err := m.dispatcher.Run(ctx, tools.RunRequest{
		Window: sess.Window,
		Context: tools.RunContext{
			AssistantMessageID: req.AssistantMessageID,
			ConversationID:     req.ConversationID,
			ModelPath:          req.ModelPath,
			PromptOptions:      opts,
		},
		Selections: selections,
	}, tools.RunHooks{
		Started: func(turn chat.Turn) {
			m.record(ctx, "add tool turn", func(ctx context.Context) error {
				return m.history.AddMessage(ctx, req.ConversationID, turn)
			})
		},
		Finished: func(turn chat.Turn, _ error) {
			m.record(ctx, "resolve tool turn", func(ctx context.Context) error {
				return m.history.EditMessage(ctx, req.ConversationID, turn.ID, turn.Text, turn.State)
			})
		},
	})

	for i, turn := range outcome.Turns {
		call := chat.ToolCall{ToolID: turn.ToolID, MessageID: req.AssistantMessageID}
		for _, p := range selections[i].Parameters {
			call.Parameters = append(call.Parameters, map[string]any{"name": p.Name, "value": p.Value})
		}
		m.record(ctx, "add tool call", func(ctx context.Context) error {
			return m.history.AddToolCall(ctx, req.ConversationID, call)
		})
	}
	return outcome, true, err
}

// generate streams a completion into a pending assistant turn. With a nil
// window the turn is only returned. A cancelled stream keeps its partial
// text and is marked sent; other failures leave it pending, and an empty
// failed turn is removed from the window.
func (m *Manager) generate(ctx context.Context, kind string, win *window.Window, id string, req llm.CompletionRequest, onToken TokenFunc) (chat.Turn, error) {
	turn := chat.NewPendingTurn(id, chat.RoleAssistant)
	if win != nil {
		win.Append(turn)
	}

	start := time.Now()
	content, err := m.backend.Stream(ctx, req, func(ev llm.ContentEvent) error {
		if ev.Content == "" {
			return nil
		}
		metrics.StreamedTokensTotal.Inc()
		if win != nil {
			if err := win.AppendText(turn.ID, ev.Content); err != nil {
				return err
			}
		}
		if onToken != nil {
			onToken(ev.Content)
		}
		return nil
	})
	metrics.GenerationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	turn.Text = content
	switch {
	case err == nil:
		turn.State = chat.StateSent
		metrics.GenerationsTotal.WithLabelValues(kind, metrics.OutcomeOK).Inc()
	case llm.IsCancellation(err):
		turn.State = chat.StateSent
		metrics.GenerationsTotal.WithLabelValues(kind, metrics.OutcomeCancelled).Inc()
		m.logger.Debug("generation cancelled", zap.String("message_id", turn.ID), zap.Int("chars", len(content)))
	default:
		metrics.GenerationsTotal.WithLabelValues(kind, metrics.OutcomeError).Inc()
		m.logger.Error("generation failed", zap.String("message_id", turn.ID), zap.Error(err))
	}

	if win != nil {
		if err != nil && !llm.IsCancellation(err) && content == "" {
			_ = win.Delete(turn.ID)
			return turn, err
		}
		if editErr := win.Edit(turn.ID, content, turn.State); editErr != nil {
			m.logger.Debug("assistant turn left the window", zap.String("message_id", turn.ID))
		}
	}
	return turn, err
}

// thread loads the conversation's thread from history when one exists.
func (m *Manager) thread(ctx context.Context, id string) (chat.Thread, bool) {
	if m.history == nil {
		return chat.Thread{}, false
	}
	th, err := m.history.GetThread(ctx, id)
	if err != nil {
		if !errors.Is(err, history.ErrThreadNotFound) {
			m.logger.Warn("failed to load thread", zap.String("thread_id", id), zap.Error(err))
		}
		return chat.Thread{}, false
	}
	return th, true
}

// promptOptions merges request values over thread values over the
// configured defaults.
func (m *Manager) promptOptions(req chat.PromptOptions, thread chat.Thread, hasThread bool) chat.PromptOptions {
	opts := m.defaults
	if hasThread {
		opts.Temperature = chat.Float(thread.Temperature)
		if thread.TopP != 0 {
			opts.TopP = thread.TopP
		}
	}
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
	}
	if req.TopP != 0 {
		opts.TopP = req.TopP
	}
	if req.TopK != 0 {
		opts.TopK = req.TopK
	}
	if req.MaxTokens != 0 {
		opts.MaxTokens = req.MaxTokens
	}
	return opts
}

// sampling turns prompt options into completion settings. Chat replies use
// top_k 20, top_p 0.3 and temperature 0.5 unless overridden.
func sampling(opts chat.PromptOptions) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Temperature: chat.Float(chat.DefaultTemperature),
		TopK:        chat.DefaultTopK,
		TopP:        chat.DefaultTopP,
		NPredict:    opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = chat.Float(*opts.Temperature)
	}
	if opts.TopK != 0 {
		req.TopK = opts.TopK
	}
	if opts.TopP != 0 {
		req.TopP = opts.TopP
	}
	return req
}

func (m *Manager) persistUserTurn(ctx context.Context, req SendRequest, hasThread bool, systemPrompt string, opts chat.PromptOptions, activeTools []string, turn chat.Turn) {
	if m.history == nil {
		return
	}
	if hasThread {
		m.record(ctx, "add user turn", func(ctx context.Context) error {
			return m.history.AddMessage(ctx, req.ConversationID, turn)
		})
		return
	}
	m.record(ctx, "create thread", func(ctx context.Context) error {
		_, err := m.history.CreateThread(ctx, history.NewThread{
			ID:            req.ConversationID,
			ModelID:       req.ModelPath,
			FirstMessage:  &turn,
			SystemPrompt:  systemPrompt,
			Temperature:   opts.Temperature,
			TopP:          opts.TopP,
			FilePath:      req.SelectedFile,
			ActiveToolIDs: activeTools,
		})
		return err
	})
}

func (m *Manager) persistAssistantTurn(ctx context.Context, conversationID string, turn chat.Turn) {
	if turn.Text == "" && turn.State == chat.StatePending {
		return
	}
	m.record(ctx, "add assistant turn", func(ctx context.Context) error {
		return m.history.AddMessage(ctx, conversationID, turn)
	})
}

// record runs a history write. Failures are logged, never returned: the
// conversation continues without persistence. Writes use a context that
// outlives an aborted generation.
func (m *Manager) record(ctx context.Context, what string, write func(ctx context.Context) error) {
	if m.history == nil {
		return
	}
	if err := write(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("history write failed", zap.String("op", what), zap.Error(err))
	}
}
