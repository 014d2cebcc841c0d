package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/llm"
	"github.com/soypete/pedrochat/pkg/metrics"
	"github.com/soypete/pedrochat/pkg/window"
)

const (
	// MaxToolsPerTurn bounds how many selections run for one user message.
	MaxToolsPerTurn = 4

	// InvalidToolID is what the selection model answers when no tool fits.
	InvalidToolID = "invalid-tool"
)

// Sampling used for tool selection.
var (
	SelectionStop = []string{"</s>", "USER:", "ASSISTANT:"}
)

const (
	selectionTemperature = 0.3
	selectionTopK        = 20
	selectionTopP        = 0.5
	selectionNPredict    = 500
)

const selectionPreamble = `[INST]You are an AI assistant. You call tools on behalf of a user. Tools have parameters. You must extract those parameters from the user's request. You have access to the following tools, and only these tools:
    %s

    Never call a tool that does not exist. If you cannot find a tool to call, respond with: { "id": "invalid-tool", parameters: [] }`

// SelectionPrompt builds the instruction prompt for choosing tools.
func SelectionPrompt(userPrompt string, descs []Descriptor) (string, error) {
	listing, err := json.Marshal(descs)
	if err != nil {
		return "", fmt.Errorf("encode tool descriptors: %w", err)
	}
	system := fmt.Sprintf(selectionPreamble, listing)
	return fmt.Sprintf("%s\n\nUSER: %s}[/INST]\nASSISTANT:", system, userPrompt), nil
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry  *Registry
	Completer llm.Completer

	// MaxToolsPerTurn defaults to MaxToolsPerTurn.
	MaxToolsPerTurn int

	Logger *zap.Logger
}

// Dispatcher selects tools with a grammar-constrained completion and runs
// them in order.
type Dispatcher struct {
	registry  *Registry
	completer llm.Completer
	maxTools  int
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.MaxToolsPerTurn <= 0 {
		cfg.MaxToolsPerTurn = MaxToolsPerTurn
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		completer: cfg.Completer,
		maxTools:  cfg.MaxToolsPerTurn,
		logger:    cfg.Logger,
	}
}

// selectionGrammar builds the selection grammar and checks it before it is
// sent, since llama.cpp rejects a malformed grammar only after loading it.
func selectionGrammar(descs []Descriptor, maxTools int) (string, error) {
	grammar, err := SchemaToGBNF(SelectionSchema(descs, maxTools))
	if err != nil {
		return "", fmt.Errorf("build selection grammar: %w", err)
	}
	if err := CheckGBNF(grammar); err != nil {
		return "", fmt.Errorf("invalid selection grammar: %w", err)
	}
	return grammar, nil
}

// Registry returns the registry the dispatcher resolves ids against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Select asks the model which of the given tools to call. An ambiguous
// answer (bad JSON, the invalid-tool marker, an unknown id) yields no
// selection and no error. Transport errors are returned.
func (d *Dispatcher) Select(ctx context.Context, userPrompt string, descs []Descriptor) ([]Selection, error) {
	if len(descs) == 0 {
		return nil, nil
	}

	prompt, err := SelectionPrompt(userPrompt, descs)
	if err != nil {
		return nil, err
	}
	grammar, err := selectionGrammar(descs, d.maxTools)
	if err != nil {
		return nil, err
	}

	content, err := d.completer.Complete(ctx, llm.CompletionRequest{
		Prompt:      prompt,
		Temperature: chat.Float(selectionTemperature),
		TopK:        selectionTopK,
		TopP:        selectionTopP,
		NPredict:    selectionNPredict,
		Stop:        SelectionStop,
		Grammar:     grammar,
	})
	if err != nil {
		return nil, fmt.Errorf("tool selection: %w", err)
	}

	known := make(map[string]bool, len(descs))
	for _, desc := range descs {
		known[desc.ID] = true
	}

	selections, reason := ParseSelections(content, known)
	if reason != "" {
		d.logger.Debug("no tool selected", zap.String("reason", reason))
		return nil, nil
	}
	if len(selections) > d.maxTools {
		d.logger.Warn("dropping extra tool selections",
			zap.Int("selected", len(selections)),
			zap.Int("max", d.maxTools))
		selections = selections[:d.maxTools]
	}
	return selections, nil
}

// ParseSelections decodes a selection response. The answer may be a list of
// calls or a single call. When the response does not select any known tool,
// the returned reason says why and the selections are nil.
func ParseSelections(content string, known map[string]bool) ([]Selection, string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, "empty response"
	}

	var selections []Selection
	if err := json.Unmarshal([]byte(content), &selections); err != nil {
		var single Selection
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil, "invalid json"
		}
		selections = []Selection{single}
	}

	if len(selections) == 0 {
		return nil, "empty selection"
	}
	for _, s := range selections {
		if s.ID == InvalidToolID {
			return nil, InvalidToolID
		}
		if !known[s.ID] {
			return nil, "unknown tool " + s.ID
		}
	}
	return selections, ""
}

// RunRequest is a batch of selections to execute for one assistant reply.
type RunRequest struct {
	Window     *window.Window
	Context    RunContext
	Selections []Selection
}

// RunHooks observe tool turns as they are created and resolved.
type RunHooks struct {
	Started  func(turn chat.Turn)
	Finished func(turn chat.Turn, err error)
}

// Outcome summarises a Run.
type Outcome struct {
	Calls  []PreviousCall
	Turns  []chat.Turn
	Failed int
}

// Run executes selections strictly left to right, at most MaxToolsPerTurn of
// them. Each selection gets a pending tool turn in the window that is
// resolved with the stringified result or the error text. Cancellation stops
// the batch and is returned; tool failures are not.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest, hooks RunHooks) (Outcome, error) {
	var out Outcome

	selections := req.Selections
	if len(selections) > d.maxTools {
		selections = selections[:d.maxTools]
	}

	for _, sel := range selections {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		turn := chat.NewPendingTurn("", chat.RoleTool)
		turn.ToolID = sel.ID
		req.Window.Append(turn)
		if hooks.Started != nil {
			hooks.Started(turn)
		}

		rc := req.Context
		rc.PreviousToolCalls = append([]PreviousCall(nil), out.Calls...)

		result, err := d.invoke(ctx, rc, sel)

		text := fmt.Sprint(result)
		status := "ok"
		if err != nil {
			text = "Error: " + err.Error()
			status = "error"
			out.Failed++
			d.logger.Warn("tool failed",
				zap.String("tool", sel.ID),
				zap.String("conversation_id", rc.ConversationID),
				zap.Error(err))
		}
		metrics.ToolCallsTotal.WithLabelValues(sel.ID, status).Inc()

		if editErr := req.Window.Edit(turn.ID, text, chat.StateSent); editErr != nil {
			d.logger.Debug("tool turn evicted before resolve", zap.String("turn_id", turn.ID))
		}
		turn.Text = text
		turn.State = chat.StateSent
		out.Turns = append(out.Turns, turn)
		if hooks.Finished != nil {
			hooks.Finished(turn, err)
		}

		if err != nil {
			out.Calls = append(out.Calls, PreviousCall{ID: sel.ID, Result: text})
			if llm.IsCancellation(err) || errors.Is(err, context.Canceled) {
				return out, err
			}
			continue
		}
		out.Calls = append(out.Calls, PreviousCall{ID: sel.ID, Result: result})
	}
	return out, nil
}

func (d *Dispatcher) invoke(ctx context.Context, rc RunContext, sel Selection) (any, error) {
	tool, ok := d.registry.Get(sel.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, sel.ID)
	}
	if err := ValidateParameters(tool.Descriptor(), sel.Parameters); err != nil {
		return nil, err
	}
	return tool.Run(ctx, rc, sel.Parameters)
}

// ValidateParameters checks extracted parameters against the tool's
// declared parameters.
func ValidateParameters(desc Descriptor, params []Parameter) error {
	doc := make(map[string]any, len(params))
	for _, p := range params {
		if _, dup := doc[p.Name]; dup {
			return fmt.Errorf("parameter %q given twice", p.Name)
		}
		doc[p.Name] = p.Value
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(ParametersSchema(desc)),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("validate parameters: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("invalid parameters for %s: %s", desc.ID, strings.Join(msgs, "; "))
	}
	return nil
}
