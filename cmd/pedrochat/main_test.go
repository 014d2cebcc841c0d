package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/pedrochat/pkg/config"
)

// writeConfig points --config at a memory-backed config for the test.
func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pedrochat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "-"},
		{512, "512 B"},
		{5 << 20, "5 MB"},
		{4368439584, "4.1 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.in))
	}
}

func TestModelsCmd_MarksInstalledFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zephyr-7b-beta.Q4_K_M.gguf"), nil, 0o600))
	writeConfig(t, "server:\n  models_dir: "+dir+"\nhistory:\n  driver: memory\n")

	cmd := modelsCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "mistral-7b-instruct-v0.1.Q4_K_M.gguf")
	for _, line := range bytes.Split(out.Bytes(), []byte("\n")) {
		if bytes.Contains(line, []byte("zephyr-7b-beta.Q4_K_M.gguf")) {
			assert.Contains(t, string(line), "yes")
		}
		if bytes.Contains(line, []byte("zephyr-7b-beta.Q5_K_M.gguf")) {
			assert.NotContains(t, string(line), "yes")
		}
	}
}

func TestThreadsListCmd_Empty(t *testing.T) {
	writeConfig(t, "history:\n  driver: memory\n")

	cmd := threadsListCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No conversations yet.")
}

func TestCheckServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/model.json":
			_, _ = w.Write([]byte(`{"n_ctx":4096,"model":"/models/llama-2-7b-chat.Q4_K_M.gguf"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Server.BaseURL = srv.URL

	out := &bytes.Buffer{}
	require.NoError(t, checkServer(context.Background(), cfg, out))
	assert.Contains(t, out.String(), "is up")
	assert.Contains(t, out.String(), "Context: 4096 tokens")
	assert.NotContains(t, out.String(), "unknown model")
}

func TestCheckServer_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"loading model"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Server.BaseURL = srv.URL

	err := checkServer(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}
