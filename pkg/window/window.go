// Package window keeps the ordered turns of one conversation and evicts the
// oldest ones until the rendered prompt fits the model's context size.
package window

import (
	"context"
	"errors"
	"fmt"

	"github.com/soypete/pedrochat/pkg/chat"
	"github.com/soypete/pedrochat/pkg/prompt"
)

const (
	// SafetyMargin is added to every encoded length before comparing it with
	// the budget.
	SafetyMargin = 16

	// DefaultMaxTokens is the output reservation used when none is given.
	DefaultMaxTokens = 512
)

var (
	// ErrBudgetExceeded means no non-empty window fits the context budget.
	ErrBudgetExceeded = errors.New("message exceeded max token size")

	// ErrTurnNotFound is returned by Edit and Delete for unknown ids.
	ErrTurnNotFound = errors.New("turn not found")
)

// Encoder counts tokens for a rendered prompt.
type Encoder interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// Window is an ordered, mutable list of turns rendered through a template.
// It is owned by a single session and is not safe for concurrent use.
type Window struct {
	template prompt.Template
	turns    []chat.Turn
}

// New creates a window, optionally hydrated with existing turns.
func New(template prompt.Template, turns ...chat.Turn) *Window {
	w := &Window{template: template}
	w.turns = append(w.turns, turns...)
	return w
}

// Template returns the template the window renders with.
func (w *Window) Template() prompt.Template {
	return w.template
}

// Append adds a turn at the tail.
func (w *Window) Append(turn chat.Turn) {
	w.turns = append(w.turns, turn)
}

// Format renders the current turns.
func (w *Window) Format(systemPrompt string, includeHistory bool) string {
	return w.template.Render(systemPrompt, w.turns, includeHistory)
}

// EvictOldest removes and returns the head turn.
func (w *Window) EvictOldest() (chat.Turn, bool) {
	if len(w.turns) == 0 {
		return chat.Turn{}, false
	}
	head := w.turns[0]
	w.turns[0] = chat.Turn{}
	w.turns = w.turns[1:]
	return head, true
}

// Edit replaces the text and state of the turn with the given id.
func (w *Window) Edit(id, text string, state chat.State) error {
	for i := range w.turns {
		if w.turns[i].ID == id {
			w.turns[i].Text = text
			if state != "" {
				w.turns[i].State = state
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// AppendText appends streamed content to the turn with the given id.
func (w *Window) AppendText(id, content string) error {
	for i := range w.turns {
		if w.turns[i].ID == id {
			w.turns[i].Text += content
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// Delete removes every turn with the given id.
func (w *Window) Delete(id string) error {
	kept := w.turns[:0]
	found := false
	for _, turn := range w.turns {
		if turn.ID == id {
			found = true
			continue
		}
		kept = append(kept, turn)
	}
	for i := len(kept); i < len(w.turns); i++ {
		w.turns[i] = chat.Turn{}
	}
	w.turns = kept
	if !found {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	return nil
}

// Get returns the turn with the given id.
func (w *Window) Get(id string) (chat.Turn, bool) {
	for _, turn := range w.turns {
		if turn.ID == id {
			return turn, true
		}
	}
	return chat.Turn{}, false
}

// Last returns the tail turn.
func (w *Window) Last() (chat.Turn, bool) {
	if len(w.turns) == 0 {
		return chat.Turn{}, false
	}
	return w.turns[len(w.turns)-1], true
}

// Clear drops every turn.
func (w *Window) Clear() {
	w.turns = nil
}

// Len returns the number of turns.
func (w *Window) Len() int {
	return len(w.turns)
}

// Turns returns a copy of the current turns.
func (w *Window) Turns() []chat.Turn {
	out := make([]chat.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}
