// Package repl is the interactive terminal front end: a readline loop that
// streams model answers and maps slash commands onto the chat manager.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/tools"
	"github.com/soypete/pedrochat/pkg/window"
)

// Chatter is the part of the chat manager the REPL drives.
type Chatter interface {
	SendMessage(ctx context.Context, req chats.SendRequest, onToken chats.TokenFunc) (chats.Reply, error)
	RegenerateMessage(ctx context.Context, req chats.RegenerateRequest, onToken chats.TokenFunc) (chats.Reply, error)
	LoadThread(ctx context.Context, modelPath, threadID string) (chat.Thread, error)
	Abort(conversationID string) bool
	Cleanup(ctx context.Context, modelPath, conversationID string) error
}

// Config wires a REPL.
type Config struct {
	Chatter Chatter
	Session *Session
	// History enables /threads, /load and /rename. Optional.
	History history.Store
	// Tools are the tools /tool can enable.
	Tools []tools.Descriptor

	// Input defaults to a readline handler on the terminal.
	Input LineReader
	// Output defaults to stdout.
	Output io.Writer
	// Interrupts aborts the running answer on every receive. Defaults to
	// SIGINT while an answer is streaming.
	Interrupts <-chan os.Signal
	Logger     *zap.Logger
}

// REPL represents the interactive REPL
type REPL struct {
	chatter    Chatter
	session    *Session
	history    history.Store
	tools      []tools.Descriptor
	input      LineReader
	output     *Output
	interrupts <-chan os.Signal
	logger     *zap.Logger
}

// NewREPL creates a new REPL instance
func NewREPL(cfg Config) (*REPL, error) {
	if cfg.Chatter == nil {
		return nil, errors.New("chatter is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("session is required")
	}

	input := cfg.Input
	if input == nil {
		handler, err := NewInputHandler(cfg.Session.Prompt(), "")
		if err != nil {
			return nil, fmt.Errorf("failed to create input handler: %w", err)
		}
		input = handler
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &REPL{
		chatter:    cfg.Chatter,
		session:    cfg.Session,
		history:    cfg.History,
		tools:      cfg.Tools,
		input:      input,
		output:     NewOutput(cfg.Output),
		interrupts: cfg.Interrupts,
		logger:     logger,
	}, nil
}

// Run starts the REPL loop. It returns nil on /quit or Ctrl+D.
func (r *REPL) Run(ctx context.Context) error {
	defer r.close(ctx)

	r.printWelcome()

	for {
		r.input.SetPrompt(r.session.Prompt())
		line, err := r.input.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				// Ctrl+C at the prompt - just show new prompt
				continue
			}
			if errors.Is(err, io.EOF) {
				r.output.PrintMessage("\nGoodbye!\n")
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		r.session.AddToHistory(line)

		if err := r.handleCommand(ctx, ParseCommand(line)); err != nil {
			if errors.Is(err, io.EOF) {
				r.output.PrintMessage("\nGoodbye!\n")
				return nil
			}
			r.output.PrintError("Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Resume continues a stored thread, as /load does.
func (r *REPL) Resume(ctx context.Context, threadID string) error {
	return r.loadThread(ctx, threadID)
}

func (r *REPL) close(ctx context.Context) {
	if err := r.chatter.Cleanup(context.WithoutCancel(ctx), r.session.ModelPath, r.session.GetConversationID()); err != nil {
		r.logger.Warn("cleanup failed", zap.Error(err))
	}
	if err := r.input.Close(); err != nil {
		r.logger.Debug("closing input", zap.Error(err))
	}
}

// handleCommand handles a parsed command
func (r *REPL) handleCommand(ctx context.Context, cmd *Command) error {
	switch cmd.Type {
	case CommandTypeREPL:
		return r.handleREPLCommand(ctx, cmd)
	case CommandTypeMessage:
		return r.send(ctx, cmd.Text)
	default:
		if cmd.Name != "" {
			r.output.PrintWarning("Unknown command /%s (try /help)\n", cmd.Name)
		}
		return nil
	}
}

// handleREPLCommand handles REPL-specific commands
func (r *REPL) handleREPLCommand(ctx context.Context, cmd *Command) error {
	switch cmd.Name {
	case "help":
		r.output.PrintMessage("%s", GetREPLHelp())
		return nil

	case "quit":
		return io.EOF

	case "new":
		return r.newConversation(ctx)

	case "regen":
		return r.regenerate(ctx)

	case "tools":
		r.printTools()
		return nil

	case "tool":
		return r.toggleTool(ctx, cmd)

	case "file":
		return r.selectFile(cmd.Arg(0))

	case "system":
		r.session.mu.Lock()
		r.session.SystemPrompt = cmd.Text
		r.session.mu.Unlock()
		if cmd.Text == "" {
			r.output.PrintSuccess("System prompt reset\n")
		} else {
			r.output.PrintSuccess("System prompt set\n")
		}
		return nil

	case "threads":
		return r.printThreads(ctx)

	case "load":
		return r.loadThread(ctx, cmd.Arg(0))

	case "rename":
		return r.renameThread(ctx, cmd.Text)

	case "info":
		r.printInfo()
		return nil

	case "history":
		r.printHistory()
		return nil

	case "clear":
		r.output.ClearScreen()
		return nil

	default:
		r.output.PrintWarning("Unknown command: %s\n", cmd.Name)
		return nil
	}
}

func (r *REPL) send(ctx context.Context, text string) error {
	r.session.mu.RLock()
	req := chats.SendRequest{
		ModelPath:      r.session.ModelPath,
		ConversationID: r.session.ConversationID,
		Message:        text,
		SystemPrompt:   r.session.SystemPrompt,
	}
	r.session.mu.RUnlock()
	req.ActiveToolIDs = r.session.Tools()
	req.SelectedFile = r.session.TakeSelectedFile()

	reply, err := r.stream(ctx, req.ConversationID, func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
		return r.chatter.SendMessage(ctx, req, onToken)
	})
	if reply.MessageID != "" && (err == nil || llm.IsCancellation(err)) {
		r.session.mu.Lock()
		r.session.LastAssistantID = reply.MessageID
		r.session.mu.Unlock()
	}
	if err != nil {
		return r.replyError(err)
	}

	r.refreshTitle(ctx)
	return nil
}

func (r *REPL) regenerate(ctx context.Context) error {
	r.session.mu.RLock()
	req := chats.RegenerateRequest{
		ModelPath:      r.session.ModelPath,
		ConversationID: r.session.ConversationID,
		MessageID:      r.session.LastAssistantID,
		SystemPrompt:   r.session.SystemPrompt,
	}
	r.session.mu.RUnlock()

	if req.MessageID == "" {
		r.output.PrintWarning("Nothing to regenerate yet\n")
		return nil
	}

	_, err := r.stream(ctx, req.ConversationID, func(ctx context.Context, onToken chats.TokenFunc) (chats.Reply, error) {
		return r.chatter.RegenerateMessage(ctx, req, onToken)
	})
	if err != nil {
		return r.replyError(err)
	}
	return nil
}

// stream runs one answer, printing tokens as they arrive. An interrupt
// while it runs aborts the conversation.
func (r *REPL) stream(ctx context.Context, conversationID string, run func(context.Context, chats.TokenFunc) (chats.Reply, error)) (chats.Reply, error) {
	interrupts := r.interrupts
	if interrupts == nil {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		interrupts = sigCh
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-interrupts:
				if r.chatter.Abort(conversationID) {
					r.logger.Debug("generation aborted", zap.String("conversation_id", conversationID))
				}
			case <-done:
				return
			}
		}
	}()

	spinner := NewSpinner(r.output.Writer(), "thinking...")
	spinner.Start()

	reply, err := run(ctx, func(token string) {
		spinner.Stop()
		r.output.Token(token)
	})
	spinner.Stop()

	if !reply.Generated {
		for _, turn := range reply.ToolTurns {
			r.output.PrintMessage("🔧 %s\n", turn.Text)
		}
		if len(reply.ToolTurns) == 0 && reply.Text != "" {
			r.output.PrintMessage("%s", reply.Text)
		}
	}
	r.output.PrintMessage("\n")
	return reply, err
}

func (r *REPL) replyError(err error) error {
	switch {
	case llm.IsCancellation(err):
		r.output.PrintWarning("Stopped. The partial answer was kept.\n")
		return nil
	case errors.Is(err, window.ErrBudgetExceeded):
		return errors.New("message is too long for the model's context window")
	default:
		return err
	}
}

// refreshTitle picks up the title the history store gave the thread.
func (r *REPL) refreshTitle(ctx context.Context) {
	if r.history == nil {
		return
	}
	id := r.session.GetConversationID()
	th, err := r.history.GetThread(ctx, id)
	if err != nil {
		r.logger.Debug("thread title unavailable", zap.String("conversation_id", id), zap.Error(err))
		return
	}
	r.session.mu.Lock()
	r.session.Title = th.Title
	r.session.mu.Unlock()
}

func (r *REPL) newConversation(ctx context.Context) error {
	old := r.session.NewConversation()
	if err := r.chatter.Cleanup(ctx, r.session.ModelPath, old); err != nil {
		r.logger.Warn("cleanup failed", zap.String("conversation_id", old), zap.Error(err))
	}
	r.output.PrintSuccess("New conversation %s\n", r.session.GetConversationID())
	return nil
}

func (r *REPL) printTools() {
	if len(r.tools) == 0 {
		r.output.PrintMessage("No tools available\n")
		return
	}
	r.output.PrintMessage("Tools:\n")
	for _, d := range r.tools {
		mark := " "
		if r.session.ToolActive(d.ID) {
			mark = "x"
		}
		r.output.PrintMessage("  [%s] %-28s %s\n", mark, d.ID, d.Description)
	}
}

// toggleTool flips a tool for the session and saves the choice on the
// thread once it exists.
func (r *REPL) toggleTool(ctx context.Context, cmd *Command) error {
	id := cmd.Arg(0)
	if id == "" {
		return errors.New("usage: /tool <id> [on|off]")
	}
	if !r.knownTool(id) {
		return fmt.Errorf("unknown tool %q (see /tools)", id)
	}

	enable := !r.session.ToolActive(id)
	switch strings.ToLower(cmd.Arg(1)) {
	case "":
	case "on", "enable", "true":
		enable = true
	case "off", "disable", "false":
		enable = false
	default:
		return fmt.Errorf("expected on or off, got %q", cmd.Arg(1))
	}

	r.session.SetTool(id, enable)
	if r.history != nil {
		err := r.history.UpdateThread(ctx, r.session.GetConversationID(), history.ThreadUpdate{
			ActiveToolIDs: r.session.Tools(),
		})
		if err != nil && !errors.Is(err, history.ErrThreadNotFound) {
			r.logger.Warn("failed to save active tools", zap.Error(err))
		}
	}
	if enable {
		r.output.PrintSuccess("Tool %s enabled\n", id)
	} else {
		r.output.PrintSuccess("Tool %s disabled\n", id)
	}
	return nil
}

func (r *REPL) knownTool(id string) bool {
	for _, d := range r.tools {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (r *REPL) selectFile(path string) error {
	if path == "" {
		r.session.TakeSelectedFile()
		r.output.PrintSuccess("Attachment cleared\n")
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("cannot attach %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot attach %s: is a directory", path)
	}

	r.session.mu.Lock()
	r.session.SelectedFile = abs
	r.session.mu.Unlock()
	r.output.PrintSuccess("%s will be attached to your next message\n", filepath.Base(abs))
	return nil
}

func (r *REPL) printThreads(ctx context.Context) error {
	if r.history == nil {
		return errors.New("history is disabled")
	}
	threads, err := r.history.ListThreads(ctx)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		r.output.PrintMessage("No saved conversations\n")
		return nil
	}
	current := r.session.GetConversationID()
	for _, th := range threads {
		mark := " "
		if th.ID == current {
			mark = "*"
		}
		r.output.PrintMessage("%s %s  %-40s %s  %s\n",
			mark, th.ID, th.Title, filepath.Base(th.ModelID), th.CreatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func (r *REPL) loadThread(ctx context.Context, id string) error {
	if r.history == nil {
		return errors.New("history is disabled")
	}
	if id == "" {
		return errors.New("usage: /load <thread-id>")
	}

	r.session.mu.RLock()
	modelPath := r.session.ModelPath
	r.session.mu.RUnlock()
	if th, err := r.history.GetThread(ctx, id); err == nil && th.ModelID != "" {
		modelPath = th.ModelID
	}

	th, err := r.chatter.LoadThread(ctx, modelPath, id)
	if err != nil {
		return err
	}

	lastAssistant := ""
	for i := len(th.Messages) - 1; i >= 0; i-- {
		if th.Messages[i].Role == chat.RoleAssistant {
			lastAssistant = th.Messages[i].ID
			break
		}
	}

	old := r.session.GetConversationID()
	r.session.Resume(th.ID, th.Title, modelPath, lastAssistant)
	r.session.SetTools(th.ActiveToolIDs)
	if old != th.ID {
		if err := r.chatter.Cleanup(ctx, modelPath, old); err != nil {
			r.logger.Warn("cleanup failed", zap.String("conversation_id", old), zap.Error(err))
		}
	}

	r.output.PrintSuccess("Loaded %q (%d messages)\n", th.Title, len(th.Messages))
	for _, m := range th.Messages {
		r.output.PrintMessage("%s: %s\n", m.Role, m.Text)
	}
	return nil
}

func (r *REPL) renameThread(ctx context.Context, title string) error {
	if r.history == nil {
		return errors.New("history is disabled")
	}
	if title == "" {
		return errors.New("usage: /rename <title>")
	}
	err := r.history.RenameThread(ctx, r.session.GetConversationID(), title)
	if errors.Is(err, history.ErrThreadNotFound) {
		return errors.New("send a message before renaming this conversation")
	}
	if err != nil {
		return err
	}
	r.session.mu.Lock()
	r.session.Title = title
	r.session.mu.Unlock()
	r.output.PrintSuccess("Renamed to %q\n", title)
	return nil
}

// printWelcome prints the welcome message
func (r *REPL) printWelcome() {
	r.output.PrintMessage("pedrochat - %s\n", filepath.Base(r.session.ModelPath))
	r.output.PrintMessage("Type /help for commands, Ctrl+D to quit.\n\n")
}

// printInfo prints the current session
func (r *REPL) printInfo() {
	r.session.mu.RLock()
	defer r.session.mu.RUnlock()

	title := r.session.Title
	if title == "" {
		title = chat.DefaultThreadTitle
	}
	system := r.session.SystemPrompt
	if system == "" {
		system = "(default)"
	}
	toolList := "none"
	if len(r.session.ActiveToolIDs) > 0 {
		toolList = strings.Join(r.session.ActiveToolIDs, ", ")
	}

	r.output.PrintMessage("Model:         %s\n", r.session.ModelPath)
	r.output.PrintMessage("Conversation:  %s\n", r.session.ConversationID)
	r.output.PrintMessage("Title:         %s\n", title)
	r.output.PrintMessage("System prompt: %s\n", system)
	r.output.PrintMessage("Tools:         %s\n", toolList)
	if r.session.SelectedFile != "" {
		r.output.PrintMessage("Attachment:    %s\n", r.session.SelectedFile)
	}
	r.output.PrintMessage("Uptime:        %s\n", time.Since(r.session.StartTime).Round(time.Second))
}

// printHistory prints what was typed this session
func (r *REPL) printHistory() {
	lines := r.session.GetHistory()
	if len(lines) == 0 {
		r.output.PrintMessage("No history\n")
		return
	}
	for i, line := range lines {
		r.output.PrintMessage("%4d  %s\n", i+1, line)
	}
}
