package window

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/prompt"
)

// byteEncoder counts one token per byte of the rendered prompt.
type byteEncoder struct {
	calls   int
	renders []string
	err     error
}

func (e *byteEncoder) Tokenize(_ context.Context, text string) ([]int, error) {
	e.calls++
	e.renders = append(e.renders, text)
	if e.err != nil {
		return nil, e.err
	}
	return make([]int, len(text)), nil
}

func turn(id string, role chat.Role, text string) chat.Turn {
	return chat.Turn{ID: id, Role: role, Text: text, State: chat.StateSent}
}

func newWindow(turns ...chat.Turn) *Window {
	return New(prompt.New(prompt.FamilyLlama), turns...)
}

// contextFor returns a context size that exactly fits the rendered window.
func contextFor(w *Window, sys string, maxTokens int) int {
	return len(w.Format(sys, true)) + SafetyMargin + maxTokens
}

func TestShift_NoOpWhenBudgetFits(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "hi"), turn("2", chat.RoleAssistant, "hello"))
	enc := &byteEncoder{}

	evicted, err := w.Shift(context.Background(), enc, ShiftParams{
		SystemPrompt:   "sys",
		ContextSize:    contextFor(w, "sys", 512),
		MaxTokens:      512,
		IncludeHistory: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 1, enc.calls)
}

func TestShift_EvictsOldestTurn(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "hi"), turn("2", chat.RoleAssistant, "hello"))
	onlyLast := newWindow(turn("2", chat.RoleAssistant, "hello"))
	enc := &byteEncoder{}

	evicted, err := w.Shift(context.Background(), enc, ShiftParams{
		SystemPrompt:   "sys",
		ContextSize:    contextFor(onlyLast, "sys", 512),
		MaxTokens:      512,
		IncludeHistory: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	require.Equal(t, 1, w.Len())
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, "hello", last.Text)
	assert.Equal(t, 2, enc.calls)
}

func TestShift_InvariantHoldsAfterSuccess(t *testing.T) {
	w := newWindow(
		turn("1", chat.RoleUser, "first question with some words"),
		turn("2", chat.RoleAssistant, "first answer with more words in it"),
		turn("3", chat.RoleUser, "second question"),
		turn("4", chat.RoleAssistant, "second answer"),
		turn("5", chat.RoleUser, "third"),
	)
	enc := &byteEncoder{}
	params := ShiftParams{SystemPrompt: "sys", ContextSize: 600, MaxTokens: 512, IncludeHistory: true}

	before := w.Len()
	evicted, err := w.Shift(context.Background(), enc, params)
	require.NoError(t, err)

	assert.Equal(t, before-evicted, w.Len())
	assert.LessOrEqual(t, len(w.Format("sys", true))+SafetyMargin, params.Budget())

	// each encode call saw a strictly shorter prompt than the previous one
	for i := 1; i < len(enc.renders); i++ {
		assert.Less(t, len(enc.renders[i]), len(enc.renders[i-1]))
	}
	last, _ := w.Last()
	assert.Equal(t, "5", last.ID)
}

func TestShift_BudgetExceededRestoresWindow(t *testing.T) {
	w := newWindow(
		turn("1", chat.RoleUser, "hi"),
		turn("2", chat.RoleAssistant, "hello"),
		turn("3", chat.RoleUser, "this will never fit in forty tokens of context"),
	)
	before := w.Turns()
	enc := &byteEncoder{}

	evicted, err := w.Shift(context.Background(), enc, ShiftParams{
		SystemPrompt:   "sys",
		ContextSize:    40,
		MaxTokens:      1,
		IncludeHistory: true,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.Equal(t, 0, evicted)
	assert.Equal(t, before, w.Turns())
	assert.Equal(t, 3, enc.calls)
}

func TestShift_WithoutHistoryNeverEvicts(t *testing.T) {
	w := newWindow(
		turn("1", chat.RoleUser, "an older question that is quite long"),
		turn("2", chat.RoleAssistant, "an older answer that is also long"),
		turn("3", chat.RoleUser, "[img-12]describe this picture in detail please"),
	)
	before := w.Turns()
	enc := &byteEncoder{}

	_, err := w.Shift(context.Background(), enc, ShiftParams{
		SystemPrompt: "sys",
		ContextSize:  20,
		MaxTokens:    1,
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, before, w.Turns())
	assert.Equal(t, 1, enc.calls)

	fits := ShiftParams{SystemPrompt: "sys", ContextSize: len(w.Format("sys", false)) + SafetyMargin + 1, MaxTokens: 1}
	evicted, err := w.Shift(context.Background(), enc, fits)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 3, w.Len())
}

func TestShift_EmptyWindowFails(t *testing.T) {
	w := newWindow()
	_, err := w.Shift(context.Background(), &byteEncoder{}, ShiftParams{ContextSize: 4096})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestShift_EncoderErrorLeavesWindow(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "hi"))
	boom := errors.New("connection refused")

	_, err := w.Shift(context.Background(), &byteEncoder{err: boom}, ShiftParams{ContextSize: 4096})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.Len())
}

func TestShift_DefaultMaxTokens(t *testing.T) {
	params := ShiftParams{ContextSize: 4096}
	assert.Equal(t, 4096-DefaultMaxTokens, params.Budget())
}

func TestEvictOldest(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "a"), turn("2", chat.RoleAssistant, "b"))

	head, ok := w.EvictOldest()
	require.True(t, ok)
	assert.Equal(t, "1", head.ID)

	head, ok = w.EvictOldest()
	require.True(t, ok)
	assert.Equal(t, "2", head.ID)

	_, ok = w.EvictOldest()
	assert.False(t, ok)
}

func TestEditAndDelete(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "a"))
	w.Append(chat.NewPendingTurn("2", chat.RoleAssistant))

	require.NoError(t, w.AppendText("2", "hel"))
	require.NoError(t, w.AppendText("2", "lo"))
	require.NoError(t, w.Edit("2", "hello!", chat.StateSent))

	got, ok := w.Get("2")
	require.True(t, ok)
	assert.Equal(t, "hello!", got.Text)
	assert.Equal(t, chat.StateSent, got.State)

	require.NoError(t, w.Delete("1"))
	assert.Equal(t, 1, w.Len())

	assert.ErrorIs(t, w.Delete("1"), ErrTurnNotFound)
	assert.ErrorIs(t, w.Edit("missing", "x", ""), ErrTurnNotFound)
}

func TestTurnsReturnsCopy(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "a"))
	turns := w.Turns()
	turns[0].Text = "changed"

	got, _ := w.Get("1")
	assert.Equal(t, "a", got.Text)
}

func TestFormatIsDeterministic(t *testing.T) {
	w := newWindow(turn("1", chat.RoleUser, "hi"), turn("2", chat.RoleAssistant, "hello"))
	assert.Equal(t, w.Format("sys", true), w.Format("sys", true))
}

func TestShift_EncoderErrorAfterEvictionRestores(t *testing.T) {
	w := newWindow(
		turn("1", chat.RoleUser, "an older question"),
		turn("2", chat.RoleUser, "the newest question"),
	)
	before := w.Turns()
	enc := &failAfter{ok: 1}

	_, err := w.Shift(context.Background(), enc, ShiftParams{SystemPrompt: "sys", ContextSize: 30, MaxTokens: 1, IncludeHistory: true})

	require.Error(t, err)
	assert.Equal(t, before, w.Turns())
}

// failAfter tokenizes ok prompts and then fails.
type failAfter struct {
	ok    int
	calls int
}

func (e *failAfter) Tokenize(_ context.Context, text string) ([]int, error) {
	e.calls++
	if e.calls > e.ok {
		return nil, errors.New("connection reset")
	}
	return make([]int, len(text)), nil
}
