package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer writes each chunk and flushes between them.
func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprint(w, chunk)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, server *httptest.Server) ([]ContentEvent, string, error) {
	t.Helper()
	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	var events []ContentEvent
	content, err := client.Stream(context.Background(), CompletionRequest{Prompt: "hi"}, func(ev ContentEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, content, err
}

func TestStream_SplitFrameYieldsOneEvent(t *testing.T) {
	server := sseServer(t, `data: {"content":"Hel`, "lo\"}\n")
	defer server.Close()

	events, content, err := collect(t, server)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, "Hello", content)
}

func TestStream_StopsOnStopFrame(t *testing.T) {
	server := sseServer(t,
		"data: {\"content\":\"Hello\",\"stop\":false}\n\n",
		"data: {\"content\":\" there\",\"stop\":false}\n\n",
		"data: {\"content\":\"\",\"stop\":true,\"generation_settings\":{\"n_ctx\":4096}}\n\n",
		"data: {\"content\":\"ignored\",\"stop\":false}\n\n",
	)
	defer server.Close()

	events, content, err := collect(t, server)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[2].Stop)
	assert.JSONEq(t, `{"n_ctx":4096}`, string(events[2].GenerationSettings))
	assert.Equal(t, "Hello there", content)
}

func TestStream_ErrorFrameDoesNotEndStream(t *testing.T) {
	server := sseServer(t,
		"data: {\"content\":\"a\"}\n\n",
		"error: {\"content\":\"slot unavailable\"}\n\n",
		"data: {\"content\":\"b\",\"stop\":true}\n\n",
	)
	defer server.Close()

	events, content, err := collect(t, server)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "ab", content)
}

func TestStream_MalformedJSONIsProtocolError(t *testing.T) {
	server := sseServer(t,
		"data: {\"content\":\"partial\"}\n\n",
		"data: {not json}\n\n",
		"data: {\"content\":\"never\"}\n\n",
	)
	defer server.Close()

	events, content, err := collect(t, server)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsCancellation(err))
	assert.Len(t, events, 1)
	assert.Equal(t, "partial", content)
}

func TestStream_TrailingFrameWithoutNewline(t *testing.T) {
	server := sseServer(t, `data: {"content":"end"}`)
	defer server.Close()

	events, _, err := collect(t, server)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "end", events[0].Content)
}

func TestStream_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	_, _, err := collect(t, server)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)
}

func TestStream_Cancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"first\"}\n\n")
		flusher.Flush()

		// keep the stream open until the client goes away
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, "data: {\"content\":\"more\"}\n\n")
				flusher.Flush()
			}
		}
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []ContentEvent
	done := make(chan error, 1)
	go func() {
		_, err := client.Stream(ctx, CompletionRequest{Prompt: "hi"}, func(ev ContentEvent) error {
			events = append(events, ev)
			if len(events) == 1 {
				cancel()
			}
			return nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsCancellation(err))
		assert.False(t, IsProtocolError(err))
		assert.Len(t, events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestStream_CallbackErrorAborts(t *testing.T) {
	server := sseServer(t,
		"data: {\"content\":\"a\"}\n\n",
		"data: {\"content\":\"b\"}\n\n",
	)
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	stop := fmt.Errorf("listener gone")
	calls := 0
	_, err := client.Stream(context.Background(), CompletionRequest{Prompt: "hi"}, func(ContentEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
