package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/config"
	"github.com/soypete/pedrochat/pkg/docsearch"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/launcher"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/logger"
	"github.com/soypete/pedrochat/pkg/models"
	"github.com/soypete/pedrochat/pkg/session"
	"github.com/soypete/pedrochat/pkg/tools"
	"github.com/soypete/pedrochat/pkg/vision"
)

var errHistoryDisabled = errors.New("history is disabled")

// app holds everything a command needs once the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *llm.ServerClient
	catalog  *models.Catalog
	sessions *session.Registry
	tools    *tools.Registry
	history  history.Store
	manager  *chats.Manager
}

// loadConfig reads --config or falls back to the default lookup.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// newApp wires the chat engine. withHistory false skips opening the store.
func newApp(ctx context.Context, withHistory bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Server.BaseURL = serverURL
	}
	if modelPath != "" {
		cfg.Server.ModelPath = modelPath
	}
	if noHistory {
		withHistory = false
	}

	log := logger.NewLogger(verbose || cfg.Debug.Enabled)

	client := llm.NewServerClient(llm.ServerClientConfig{
		BaseURL:    cfg.Server.BaseURL,
		APIKey:     cfg.Server.APIKey,
		Timeout:    cfg.Server.Timeout,
		MaxRetries: cfg.Server.MaxRetries,
		Logger:     log.Named("llm"),
	})

	remote := launcher.NewRemote(launcher.RemoteConfig{
		Checker:      client,
		ReadyTimeout: cfg.Server.ReadyTimeout,
		Logger:       log.Named("launcher"),
	})

	catalog := models.Default()
	registry := session.NewRegistry(session.Config{
		Catalog:    catalog,
		Launcher:   remote,
		Parameters: client,
		ModelsDir:  cfg.Server.ModelsDir,
		Logger:     log.Named("session"),
	})

	var store history.Store
	if withHistory {
		store, err = history.Open(ctx, history.Config{Driver: cfg.History.Driver, DSN: cfg.History.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
	}

	toolRegistry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(tools.DispatcherConfig{
		Registry:        toolRegistry,
		Completer:       client,
		MaxToolsPerTurn: cfg.Chat.MaxToolsPerTurn,
		Logger:          log.Named("tools"),
	})

	manager := chats.NewManager(chats.Config{
		Registry:   registry,
		Backend:    client,
		Dispatcher: dispatcher,
		Searcher:   docsearch.NewLibrary(docsearch.LibraryConfig{Logger: log.Named("docsearch")}),
		Images:     vision.NewImageProcessor(vision.DefaultImageProcessorConfig()),
		History:    store,
		Launcher:   remote,
		Defaults: chat.PromptOptions{
			Temperature: cfg.Chat.Temperature,
			TopP:        cfg.Chat.TopP,
			TopK:        cfg.Chat.TopK,
			MaxTokens:   cfg.Chat.MaxTokens,
		},
		FollowUpAfterTools: cfg.Chat.FollowUpAfterTools,
		Logger:             log.Named("chats"),
	})

	// The summarizer generates through the manager, so it registers last.
	for _, tool := range []tools.Tool{
		tools.NewRandomNumber(),
		tools.NewWebSearch(tools.SearchConfig{Logger: log.Named("search")}),
		tools.NewSummarizer(tools.SummarizerConfig{Sender: manager, Logger: log.Named("summarizer")}),
	} {
		if err := toolRegistry.Register(tool); err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		logger:   log,
		client:   client,
		catalog:  catalog,
		sessions: registry,
		tools:    toolRegistry,
		history:  store,
		manager:  manager,
	}, nil
}

// descriptors lists every registered tool.
func (a *app) descriptors() []tools.Descriptor {
	descs, err := a.tools.Descriptors()
	if err != nil {
		a.logger.Warn("failed to list tools", zap.Error(err))
	}
	return descs
}

// defaultTools returns the configured tool ids that are registered.
func (a *app) defaultTools() []string {
	ids := []string{}
	for _, id := range a.cfg.Chat.Tools {
		if _, ok := a.tools.Get(id); ok {
			ids = append(ids, id)
			continue
		}
		a.logger.Warn("ignoring unknown tool in config", zap.String("tool", id))
	}
	return ids
}

func (a *app) Close() {
	a.sessions.Close()
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close history", zap.Error(err))
		}
	}
	if err := a.client.Close(); err != nil {
		a.logger.Debug("failed to close llm client", zap.Error(err))
	}
	_ = a.logger.Sync()
}
