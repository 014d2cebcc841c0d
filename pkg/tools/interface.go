package tools

import (
	"context"
	"regexp"
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

// ParameterType is the JSON type a tool parameter accepts.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
)

// ParameterSpec describes one parameter a tool accepts.
type ParameterSpec struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Type        ParameterType `json:"type"`
	Enum        []any         `json:"enum,omitempty"`
	Optional    bool          `json:"optional,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
}

// Descriptor is what the selection model sees of a tool.
type Descriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters"`
}

// Parameter is one extracted argument, as emitted by the selection model.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Lookup returns the value of the named parameter.
func Lookup(params []Parameter, name string) (any, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Selection is one tool the model chose to call.
type Selection struct {
	ID         string      `json:"id"`
	Parameters []Parameter `json:"parameters"`
}

// PreviousCall is the result of a tool already run in the same turn.
type PreviousCall struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
}

// RunContext is handed to every tool invocation.
type RunContext struct {
	AssistantMessageID string
	ConversationID     string
	ModelPath          string
	PromptOptions      chat.PromptOptions
	PreviousToolCalls  []PreviousCall
}

// Tool is an executable tool. The result is rendered with fmt.Sprint.
type Tool interface {
	Descriptor() Descriptor
	Run(ctx context.Context, rc RunContext, params []Parameter) (any, error)
}

var whitespace = regexp.MustCompile(`\s`)

// ToolID derives a tool id from its display name: whitespace becomes a dash
// and the result is lowercased.
func ToolID(name string) string {
	return strings.ToLower(whitespace.ReplaceAllString(name, "-"))
}
