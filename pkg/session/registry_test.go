package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/launcher"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/prompt"
	"github.com/soypete/pedrochat/pkg/window"
)

type fakeLauncher struct {
	mu    sync.Mutex
	specs []launcher.Spec
	err   error
}

func (f *fakeLauncher) EnsureRunning(_ context.Context, spec launcher.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.err
}

func (f *fakeLauncher) Release(context.Context, string) error { return nil }

type fakeParams struct {
	calls int
	n     int
	err   error
}

func (f *fakeParams) ModelParameters(context.Context) (llm.ModelParameters, error) {
	f.calls++
	return llm.ModelParameters{ContextSize: f.n, ModelPath: "loaded"}, f.err
}

func newRegistry(l *fakeLauncher, p *fakeParams) *Registry {
	return NewRegistry(Config{Launcher: l, Parameters: p, ModelsDir: "/data/models"})
}

func TestResolve_CachesByKey(t *testing.T) {
	l := &fakeLauncher{}
	p := &fakeParams{n: 4096}
	r := newRegistry(l, p)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, ResolveRequest{ModelPath: "/m/mistral-7b-instruct-v0.1.Q4_K_M.gguf", ConversationID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, prompt.FamilyMistral, s1.Family())
	assert.Equal(t, 4096, s1.Parameters.ContextSize)
	assert.Equal(t, "/m/mistral-7b-instruct-v0.1.Q4_K_M.gguf-t1", s1.Key)

	s2, err := r.Resolve(ctx, ResolveRequest{ModelPath: "/m/mistral-7b-instruct-v0.1.Q4_K_M.gguf", ConversationID: "t1"})
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, p.calls)
	assert.Len(t, l.specs, 1)
}

func TestResolve_DifferentKeyReplacesSession(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
	ctx := context.Background()

	s1, err := r.Resolve(ctx, ResolveRequest{ModelPath: "llama-2-7b-chat.Q4_K_M.gguf", ConversationID: "a"})
	require.NoError(t, err)
	s1.Window.Append(chat.NewTurn(chat.RoleUser, "hi"))

	s2, err := r.Resolve(ctx, ResolveRequest{ModelPath: "llama-2-7b-chat.Q4_K_M.gguf", ConversationID: "b"})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 0, s2.Window.Len())

	cur, err := r.Current()
	require.NoError(t, err)
	assert.Same(t, s2, cur)
}

func TestResolve_ForceReinitKeepsSuppliedWindow(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
	ctx := context.Background()

	s1, err := r.Resolve(ctx, ResolveRequest{ModelPath: "zephyr-7b-beta.Q4_K_M.gguf", ConversationID: "a"})
	require.NoError(t, err)
	s1.Window.Append(chat.NewTurn(chat.RoleUser, "hi"))

	s2, err := r.Resolve(ctx, ResolveRequest{
		ModelPath:      "zephyr-7b-beta.Q4_K_M.gguf",
		ConversationID: "a",
		ForceReinit:    true,
		Window:         s1.Window,
	})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Same(t, s1.Window, s2.Window)
	assert.Equal(t, 1, s2.Window.Len())
}

func TestResolve_MultimodalPassesProjector(t *testing.T) {
	l := &fakeLauncher{}
	r := newRegistry(l, &fakeParams{n: 2048})

	_, err := r.Resolve(context.Background(), ResolveRequest{ModelPath: "/m/llava-v1.5-13b-Q4_0.gguf", ConversationID: "a"})
	require.NoError(t, err)
	require.Len(t, l.specs, 1)
	assert.True(t, l.specs[0].Multimodal)
	assert.Equal(t, "/data/models/mmproj-model-f16.gguf", l.specs[0].MMProjPath)
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown model", func(t *testing.T) {
		r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
		_, err := r.Resolve(ctx, ResolveRequest{ModelPath: "mystery.gguf", ConversationID: "a"})
		assert.Error(t, err)
		_, err = r.Current()
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("launcher failure", func(t *testing.T) {
		r := newRegistry(&fakeLauncher{err: errors.New("no gpu")}, &fakeParams{n: 2048})
		_, err := r.Resolve(ctx, ResolveRequest{ModelPath: "llama-2-7b-chat.Q4_K_M.gguf", ConversationID: "a"})
		assert.ErrorContains(t, err, "no gpu")
	})

	t.Run("parameter failure", func(t *testing.T) {
		r := newRegistry(&fakeLauncher{}, &fakeParams{err: errors.New("down")})
		_, err := r.Resolve(ctx, ResolveRequest{ModelPath: "llama-2-7b-chat.Q4_K_M.gguf", ConversationID: "a"})
		assert.ErrorContains(t, err, "down")
	})
}

func TestEvict(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
	_, err := r.Resolve(context.Background(), ResolveRequest{ModelPath: "llama-2-7b-chat.Q4_K_M.gguf", ConversationID: "a"})
	require.NoError(t, err)

	assert.True(t, r.Evict())
	assert.False(t, r.Evict())
	_, err = r.Current()
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBeginAbort(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})

	ctx, release := r.Begin(context.Background(), "t1")
	defer release()

	assert.True(t, r.Abort("t1"))
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.False(t, r.Abort("t1"))
}

func TestBegin_ReplacesStaleHandle(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})

	stale, releaseStale := r.Begin(context.Background(), "t1")
	fresh, releaseFresh := r.Begin(context.Background(), "t1")
	defer releaseFresh()

	<-stale.Done()
	assert.NoError(t, fresh.Err())

	// releasing the stale handle must not drop the fresh one
	releaseStale()
	assert.True(t, r.Abort("t1"))
	<-fresh.Done()
}

func TestBegin_HandlesAreIndependentPerConversation(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})

	a, releaseA := r.Begin(context.Background(), "a")
	defer releaseA()
	b, releaseB := r.Begin(context.Background(), "b")
	defer releaseB()

	r.Abort("a")
	<-a.Done()
	assert.NoError(t, b.Err())
}

func TestResolve_HydratedWindowRenders(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
	w := window.New(prompt.New(prompt.FamilyLlama), chat.NewTurn(chat.RoleUser, "hello"))

	s, err := r.Resolve(context.Background(), ResolveRequest{
		ModelPath:      "llama-2-7b-chat.Q4_K_M.gguf",
		ConversationID: "a",
		Window:         w,
	})
	require.NoError(t, err)
	assert.Contains(t, s.Window.Format("sys", true), "hello")
}

func TestResolve_TurnsSeedOnlyRebuiltSessions(t *testing.T) {
	r := newRegistry(&fakeLauncher{}, &fakeParams{n: 2048})
	ctx := context.Background()
	model := "mistral-7b-instruct-v0.1.Q4_K_M.gguf"
	earlier := []chat.Turn{
		chat.NewTurn(chat.RoleUser, "remember the word banana"),
		chat.NewTurn(chat.RoleAssistant, "noted"),
	}

	a, err := r.Resolve(ctx, ResolveRequest{ModelPath: model, ConversationID: "a", Turns: earlier})
	require.NoError(t, err)
	require.Equal(t, 2, a.Window.Len())
	assert.Contains(t, a.Window.Format("sys", true), "remember the word banana")

	// A cached session keeps its own window.
	a.Window.Append(chat.NewTurn(chat.RoleUser, "and now?"))
	again, err := r.Resolve(ctx, ResolveRequest{ModelPath: model, ConversationID: "a", Turns: earlier})
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 3, again.Window.Len())

	earlier[0].Text = "mutated"
	assert.Contains(t, again.Window.Format("sys", true), "remember the word banana")
}
