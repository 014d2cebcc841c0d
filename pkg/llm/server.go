package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Defaults merged under every completion request.
const (
	DefaultNPredict    = 500
	DefaultTemperature = 0.3
)

// DefaultStop is the stop sequence used when a request sets none.
var DefaultStop = []string{"</s>"}

// ServerClient talks to a llama.cpp server over HTTP: /completion (streaming
// and not), /tokenize, /model.json and /health.
type ServerClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

// ServerClientConfig configures the HTTP server client
type ServerClientConfig struct {
	BaseURL    string
	APIKey     string        // Optional, sent as a bearer token (llama-server --api-key)
	Timeout    time.Duration // Optional, defaults to 20min for large models
	MaxRetries int           // Optional, defaults to 3; -1 disables retries
	Logger     *zap.Logger
}

// NewServerClient creates a new HTTP server client
func NewServerClient(cfg ServerClientConfig) *ServerClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Minute
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 3
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.APIKey != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.APIKey,
			TokenType:   "Bearer",
		}))
		httpClient.Timeout = cfg.Timeout
	}

	return &ServerClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
}

// BaseURL returns the server address.
func (c *ServerClient) BaseURL() string {
	return c.baseURL
}

func (c *ServerClient) buildBody(req CompletionRequest, stream bool) completionBody {
	body := completionBody{
		Prompt:      req.Prompt,
		Stream:      stream,
		Temperature: DefaultTemperature,
		TopK:        req.TopK,
		TopP:        req.TopP,
		NPredict:    req.NPredict,
		Stop:        req.Stop,
		Grammar:     req.Grammar,
		ImageData:   req.ImageData,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if body.NPredict == 0 {
		body.NPredict = DefaultNPredict
	}
	if len(body.Stop) == 0 {
		body.Stop = DefaultStop
	}
	return body
}

// Complete performs a non-streaming completion and returns its content.
// Retryable failures are retried with exponential backoff (1s, 2s, 4s).
func (c *ServerClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	bodyBytes, err := json.Marshal(c.buildBody(req, false))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		content, err := c.completeOnce(ctx, bodyBytes)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", canceled(ctx)
		}
		lastErr = err

		if attempt == c.maxRetries || !isRetryableError(err) {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		c.logger.Debug("completion failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.maxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return "", canceled(ctx)
		case <-time.After(backoff):
		}
	}

	return "", lastErr
}

func (c *ServerClient) completeOnce(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return "", &ServerError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}

	var completion struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return completion.Content, nil
}

// Tokenize converts a string to token IDs using the /tokenize endpoint
func (c *ServerClient) Tokenize(ctx context.Context, text string) ([]int, error) {
	bodyBytes, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokenize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokenize", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx)
		}
		return nil, fmt.Errorf("tokenize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}

	var tokenResp struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode tokenize response: %w", err)
	}

	return tokenResp.Tokens, nil
}

// ModelParameters fetches /model.json for the loaded model.
func (c *ServerClient) ModelParameters(ctx context.Context) (ModelParameters, error) {
	var params ModelParameters

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/model.json", nil)
	if err != nil {
		return params, fmt.Errorf("failed to create model parameters request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return params, fmt.Errorf("model parameters request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return params, &ServerError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return params, fmt.Errorf("failed to decode model parameters: %w", err)
	}
	if params.ContextSize <= 0 {
		return params, fmt.Errorf("server reported invalid context size: %d", params.ContextSize)
	}
	return params, nil
}

// Health returns nil once the server answers /health with 200.
func (c *ServerClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return &ServerError{StatusCode: resp.StatusCode, Body: string(errorBody)}
	}
	return nil
}

// Close closes the HTTP client
func (c *ServerClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
