package repl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/tools"
	"github.com/soypete/pedrochat/pkg/window"
)

type scriptedLine struct {
	line string
	err  error
}

// scriptedInput replays lines and then reports Ctrl+D.
type scriptedInput struct {
	lines   []scriptedLine
	prompts []string
	closed  bool
}

func lines(ls ...string) *scriptedInput {
	in := &scriptedInput{}
	for _, l := range ls {
		in.lines = append(in.lines, scriptedLine{line: l})
	}
	return in
}

func (s *scriptedInput) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	next := s.lines[0]
	s.lines = s.lines[1:]
	return next.line, next.err
}

func (s *scriptedInput) SetPrompt(p string) { s.prompts = append(s.prompts, p) }
func (s *scriptedInput) Close() error       { s.closed = true; return nil }

type fakeChatter struct {
	mu         sync.Mutex
	sends      []chats.SendRequest
	regens     []chats.RegenerateRequest
	loads      []string
	cleanups   []string
	sendErr    error
	toolReply  bool
	blockUntil chan os.Signal // when set, SendMessage interrupts itself and waits for Abort
	aborted    chan struct{}
	abortOnce  sync.Once
	thread     chat.Thread
}

func newFakeChatter() *fakeChatter {
	return &fakeChatter{aborted: make(chan struct{})}
}

func (f *fakeChatter) SendMessage(ctx context.Context, req chats.SendRequest, onToken chats.TokenFunc) (chats.Reply, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	n := len(f.sends)
	f.mu.Unlock()

	reply := chats.Reply{ConversationID: req.ConversationID, MessageID: fmt.Sprintf("a%d", n)}
	if f.sendErr != nil {
		return reply, f.sendErr
	}
	if f.toolReply {
		reply.Text = "42"
		reply.ToolTurns = []chat.Turn{chat.NewTurn(chat.RoleTool, "42")}
		return reply, nil
	}

	reply.Generated = true
	onToken("Hello")
	if f.blockUntil != nil {
		f.blockUntil <- os.Interrupt
		select {
		case <-f.aborted:
			reply.Text = "Hello"
			return reply, fmt.Errorf("generation cancelled: %w", context.Canceled)
		case <-time.After(5 * time.Second):
			return reply, fmt.Errorf("abort never arrived")
		}
	}
	onToken(" world")
	reply.Text = "Hello world"
	return reply, nil
}

func (f *fakeChatter) RegenerateMessage(ctx context.Context, req chats.RegenerateRequest, onToken chats.TokenFunc) (chats.Reply, error) {
	f.mu.Lock()
	f.regens = append(f.regens, req)
	f.mu.Unlock()
	onToken("again")
	return chats.Reply{ConversationID: req.ConversationID, MessageID: req.MessageID, Text: "again", Generated: true}, nil
}

func (f *fakeChatter) LoadThread(ctx context.Context, modelPath, threadID string) (chat.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, modelPath+"|"+threadID)
	if f.thread.ID != threadID {
		return chat.Thread{}, history.ErrThreadNotFound
	}
	return f.thread, nil
}

func (f *fakeChatter) Abort(conversationID string) bool {
	f.abortOnce.Do(func() { close(f.aborted) })
	return true
}

func (f *fakeChatter) Cleanup(ctx context.Context, modelPath, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, conversationID)
	return nil
}

func newTestREPL(t *testing.T, chatter *fakeChatter, in *scriptedInput, store history.Store) (*REPL, *Session, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	sess := NewSession("/models/mistral-7b-instruct-v0.1.Q4_K_M.gguf", "", nil)
	r, err := NewREPL(Config{
		Chatter:    chatter,
		Session:    sess,
		History:    store,
		Tools:      []tools.Descriptor{tools.NewRandomNumber().Descriptor()},
		Input:      in,
		Output:     out,
		Interrupts: make(chan os.Signal, 1),
	})
	require.NoError(t, err)
	return r, sess, out
}

func TestREPL_SendStreamsTokens(t *testing.T) {
	chatter := newFakeChatter()
	in := lines("hello there", "/regen")
	r, sess, out := newTestREPL(t, chatter, in, nil)

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, chatter.sends, 1)
	send := chatter.sends[0]
	assert.Equal(t, "hello there", send.Message)
	assert.Equal(t, sess.ModelPath, send.ModelPath)
	assert.NotNil(t, send.ActiveToolIDs, "an empty tool list must disable tools")
	assert.Contains(t, out.String(), "Hello world")

	require.Len(t, chatter.regens, 1)
	assert.Equal(t, "a1", chatter.regens[0].MessageID)
	assert.Contains(t, out.String(), "again")

	assert.Contains(t, out.String(), "Goodbye!")
	assert.True(t, in.closed)
	assert.Equal(t, []string{send.ConversationID}, chatter.cleanups)
	assert.Contains(t, in.prompts, "mistral-7b-instruct-v0.1.Q4_K_M> ")
}

func TestREPL_InterruptAbortsGeneration(t *testing.T) {
	chatter := newFakeChatter()
	interrupts := make(chan os.Signal, 1)
	chatter.blockUntil = interrupts

	out := &bytes.Buffer{}
	sess := NewSession("model.gguf", "", nil)
	r, err := NewREPL(Config{
		Chatter:    chatter,
		Session:    sess,
		Input:      lines("tell me a long story"),
		Output:     out,
		Interrupts: interrupts,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "Hello")
	assert.Contains(t, out.String(), "Stopped")
	assert.NotContains(t, out.String(), "world")
	// the partial answer can still be regenerated
	assert.Equal(t, "a1", sess.LastAssistantID)
}

func TestREPL_InterruptAtPromptKeepsGoing(t *testing.T) {
	chatter := newFakeChatter()
	in := &scriptedInput{lines: []scriptedLine{
		{err: readline.ErrInterrupt},
		{line: "still here"},
	}}
	r, _, _ := newTestREPL(t, chatter, in, nil)

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, chatter.sends, 1)
}

func TestREPL_ToolResultStandsIn(t *testing.T) {
	chatter := newFakeChatter()
	chatter.toolReply = true
	r, sess, out := newTestREPL(t, chatter, lines("/tool random-number-generator", "pick a number"), nil)

	require.NoError(t, r.Run(context.Background()))
	assert.True(t, sess.ToolActive("random-number-generator"))
	require.Len(t, chatter.sends, 1)
	assert.Equal(t, []string{"random-number-generator"}, chatter.sends[0].ActiveToolIDs)
	assert.Contains(t, out.String(), "🔧 42")
}

func TestREPL_Errors(t *testing.T) {
	chatter := newFakeChatter()
	chatter.sendErr = fmt.Errorf("shift: %w", window.ErrBudgetExceeded)
	r, sess, out := newTestREPL(t, chatter, lines("way too long", "/regen", "/tool nope", "/dance"), nil)

	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "too long for the model's context window")
	assert.Empty(t, sess.LastAssistantID)
	assert.Contains(t, out.String(), "Nothing to regenerate")
	assert.Contains(t, out.String(), `unknown tool "nope"`)
	assert.Contains(t, out.String(), "Unknown command /dance")
}

func TestREPL_FileAttachesToNextMessageOnly(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(doc, []byte("# notes"), 0644))

	chatter := newFakeChatter()
	r, _, out := newTestREPL(t, chatter, lines("/file "+doc, "summarize", "and again", "/file "+dir), nil)

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, chatter.sends, 2)
	assert.Equal(t, doc, chatter.sends[0].SelectedFile)
	assert.Empty(t, chatter.sends[1].SelectedFile)
	assert.Contains(t, out.String(), "is a directory")
}

func TestREPL_NewConversation(t *testing.T) {
	chatter := newFakeChatter()
	r, sess, _ := newTestREPL(t, chatter, lines("/system Be terse.", "first", "/new", "second"), nil)

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, chatter.sends, 2)
	assert.NotEqual(t, chatter.sends[0].ConversationID, chatter.sends[1].ConversationID)
	assert.Equal(t, "Be terse.", chatter.sends[1].SystemPrompt)
	assert.Equal(t, []string{chatter.sends[0].ConversationID, sess.ConversationID}, chatter.cleanups)
}

func TestREPL_Threads(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	first := chat.NewTurn(chat.RoleUser, "how do channels work")
	saved, err := store.CreateThread(ctx, history.NewThread{ModelID: "/models/llama-2-7b-chat.Q4_K_M.gguf", FirstMessage: &first})
	require.NoError(t, err)
	answer := chat.NewTurn(chat.RoleAssistant, "they pass values")
	require.NoError(t, store.AddMessage(ctx, saved.ID, answer))
	saved, err = store.GetThread(ctx, saved.ID)
	require.NoError(t, err)

	chatter := newFakeChatter()
	chatter.thread = saved
	r, sess, out := newTestREPL(t, chatter, lines("/threads", "/load "+saved.ID, "/rename Channels", "/regen"), store)

	require.NoError(t, r.Run(ctx))
	assert.Contains(t, out.String(), saved.ID)
	assert.Contains(t, out.String(), "how do channels work")
	assert.Equal(t, []string{"/models/llama-2-7b-chat.Q4_K_M.gguf|" + saved.ID}, chatter.loads)
	assert.Equal(t, saved.ID, sess.ConversationID)
	assert.Equal(t, "/models/llama-2-7b-chat.Q4_K_M.gguf", sess.ModelPath)

	renamed, err := store.GetThread(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Channels", renamed.Title)

	require.Len(t, chatter.regens, 1)
	assert.Equal(t, answer.ID, chatter.regens[0].MessageID)
}

func TestREPL_Resume(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	first := chat.NewTurn(chat.RoleUser, "hi")
	saved, err := store.CreateThread(ctx, history.NewThread{ModelID: "/models/llama-2-7b-chat.Q4_K_M.gguf", FirstMessage: &first})
	require.NoError(t, err)

	chatter := newFakeChatter()
	chatter.thread = saved
	r, sess, _ := newTestREPL(t, chatter, lines(), store)

	require.NoError(t, r.Resume(ctx, saved.ID))
	assert.Equal(t, saved.ID, sess.GetConversationID())
	assert.Error(t, r.Resume(ctx, "missing"))
}

func TestREPL_ThreadsWithoutHistory(t *testing.T) {
	r, _, out := newTestREPL(t, newFakeChatter(), lines("/threads", "/load x", "/rename y"), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "history is disabled")
}

func TestREPL_QuitAndInfo(t *testing.T) {
	r, _, out := newTestREPL(t, newFakeChatter(), lines("/info", "/history", "/quit", "never sent"), nil)
	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "Conversation:")
	assert.Contains(t, out.String(), "   1  /info")
	assert.NotContains(t, out.String(), "never sent")
}

func TestNewREPL_Validation(t *testing.T) {
	_, err := NewREPL(Config{Session: NewSession("m.gguf", "", nil)})
	assert.Error(t, err)
	_, err = NewREPL(Config{Chatter: newFakeChatter()})
	assert.Error(t, err)
}

func TestREPL_ToolToggleIsSavedOnThread(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	first := chat.NewTurn(chat.RoleUser, "roll a die")
	saved, err := store.CreateThread(ctx, history.NewThread{ModelID: "/models/mistral-7b-instruct-v0.1.Q4_K_M.gguf", FirstMessage: &first})
	require.NoError(t, err)

	chatter := newFakeChatter()
	chatter.thread = saved
	r, sess, out := newTestREPL(t, chatter, lines(
		"/load "+saved.ID,
		"/tool random-number-generator on",
	), store)

	require.NoError(t, r.Run(ctx))
	assert.Contains(t, out.String(), "Tool random-number-generator enabled")
	assert.Equal(t, []string{"random-number-generator"}, sess.Tools())

	got, err := store.GetThread(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"random-number-generator"}, got.ActiveToolIDs)

	// Loading the thread again restores the saved tools.
	chatter.thread = got
	sess.SetTools(nil)
	require.NoError(t, r.Resume(ctx, saved.ID))
	assert.Equal(t, []string{"random-number-generator"}, sess.Tools())
}

func TestREPL_ToolToggleBeforeFirstMessage(t *testing.T) {
	store := history.NewMemoryStore()
	r, sess, out := newTestREPL(t, newFakeChatter(), lines("/tool random-number-generator"), store)

	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "enabled")
	assert.True(t, sess.ToolActive("random-number-generator"))

	threads, err := store.ListThreads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threads)
}
