package llm

import (
	"context"
	"encoding/json"
)

// Completer runs a single non-streaming completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Streamer runs a streaming completion, invoking onEvent for every content
// event in arrival order. It returns the concatenated content.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, onEvent func(ContentEvent) error) (string, error)
}

// Tokenizer counts tokens for a prompt.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// ParameterSource reports the parameters of the loaded model.
type ParameterSource interface {
	ModelParameters(ctx context.Context) (ModelParameters, error)
}

// Backend is everything the chat engine needs from an inference server.
type Backend interface {
	Completer
	Streamer
	Tokenizer
	ParameterSource
}

// CompletionRequest is one call to the /completion endpoint. Zero-valued
// sampling fields are filled from the client defaults. A nil Temperature
// gets the default; 0 is sent as is for greedy sampling.
type CompletionRequest struct {
	Prompt      string
	Temperature *float64
	TopK        int
	TopP        float64
	NPredict    int
	Stop        []string

	// Grammar constrains the output to a GBNF grammar.
	Grammar string

	// ImageData carries base64 images referenced as [img-ID] in the prompt.
	ImageData []ImageData
}

// ImageData is one image attached to a multimodal completion.
type ImageData struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

// ContentEvent is one decoded `data:` frame of a streaming completion.
type ContentEvent struct {
	Content            string          `json:"content"`
	Stop               bool            `json:"stop"`
	Multimodal         bool            `json:"multimodal,omitempty"`
	SlotID             int             `json:"slot_id,omitempty"`
	GenerationSettings json.RawMessage `json:"generation_settings,omitempty"`
}

// ModelParameters describes the model currently loaded by the server.
type ModelParameters struct {
	ContextSize int    `json:"n_ctx"`
	ModelPath   string `json:"model"`
}

// completionBody is the JSON body sent to /completion.
type completionBody struct {
	Prompt      string      `json:"prompt"`
	Stream      bool        `json:"stream"`
	Temperature float64     `json:"temperature"`
	TopK        int         `json:"top_k,omitempty"`
	TopP        float64     `json:"top_p,omitempty"`
	NPredict    int         `json:"n_predict"`
	Stop        []string    `json:"stop"`
	Grammar     string      `json:"grammar,omitempty"`
	ImageData   []ImageData `json:"image_data,omitempty"`
}
