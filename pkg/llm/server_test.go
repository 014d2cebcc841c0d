package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerClient_Complete_AppliesDefaults(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/completion", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"content": "Hello, world!", "stop": true})
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	content, err := client.Complete(context.Background(), CompletionRequest{Prompt: "Say hello"})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", content)
	assert.Equal(t, "Say hello", body["prompt"])
	assert.Equal(t, false, body["stream"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, float64(500), body["n_predict"])
	assert.Equal(t, []interface{}{"</s>"}, body["stop"])
	assert.NotContains(t, body, "grammar")
	assert.NotContains(t, body, "image_data")
}

func TestServerClient_Complete_SendsGrammarAndSampling(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"content":"[]"}`))
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	temperature := 0.3
	_, err := client.Complete(context.Background(), CompletionRequest{
		Prompt:      "p",
		Temperature: &temperature,
		TopK:        20,
		TopP:        0.5,
		Stop:        []string{"</s>", "USER:", "ASSISTANT:"},
		Grammar:     `root ::= "[]"`,
		ImageData:   []ImageData{{Data: "aGk=", ID: 7}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, float64(20), body["top_k"])
	assert.Equal(t, 0.5, body["top_p"])
	assert.Equal(t, `root ::= "[]"`, body["grammar"])
	assert.Equal(t, []interface{}{"</s>", "USER:", "ASSISTANT:"}, body["stop"])
	images, ok := body["image_data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, images, 1)
}

func TestServerClient_Tokenize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokenize", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req["content"])
		w.Write([]byte(`{"tokens":[15043,3186]}`))
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	tokens, err := client.Tokenize(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{15043, 3186}, tokens)
}

func TestServerClient_Tokenize_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading model"))
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	_, err := client.Tokenize(context.Background(), "x")

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
	assert.Equal(t, "loading model", serverErr.Body)
}

func TestServerClient_ModelParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/model.json", r.URL.Path)
		w.Write([]byte(`{"n_ctx":4096,"model":"/models/mistral-7b-instruct-v0.1.Q4_K_M.gguf"}`))
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL + "/"})
	params, err := client.ModelParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4096, params.ContextSize)
	assert.Equal(t, "/models/mistral-7b-instruct-v0.1.Q4_K_M.gguf", params.ModelPath)
}

func TestServerClient_ModelParameters_InvalidContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"n_ctx":0}`))
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	_, err := client.ModelParameters(context.Background())
	assert.Error(t, err)
}

func TestServerClient_APIKeySentAsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewServerClient(ServerClientConfig{BaseURL: server.URL, APIKey: "secret"})
	assert.NoError(t, client.Health(context.Background()))

	anonymous := NewServerClient(ServerClientConfig{BaseURL: server.URL})
	assert.Error(t, anonymous.Health(context.Background()))
}

func TestServerClient_Complete_Temperature(t *testing.T) {
	zero := 0.0
	tests := []struct {
		name        string
		temperature *float64
		want        float64
	}{
		{name: "unset uses default", temperature: nil, want: DefaultTemperature},
		{name: "zero is greedy", temperature: &zero, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]interface{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.Write([]byte(`{"content":"ok"}`))
			}))
			defer server.Close()

			client := NewServerClient(ServerClientConfig{BaseURL: server.URL})
			_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "p", Temperature: tt.temperature})
			require.NoError(t, err)

			got, ok := body["temperature"]
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
