package window

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ShiftParams describes the budget a window must fit.
type ShiftParams struct {
	SystemPrompt   string
	ContextSize    int
	MaxTokens      int // output reservation, DefaultMaxTokens when zero
	IncludeHistory bool
	Logger         *zap.Logger
}

// Budget returns the number of prompt tokens allowed, margin excluded.
func (p ShiftParams) Budget() int {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return p.ContextSize - maxTokens
}

// Shift evicts turns oldest-first until the encoded prompt plus SafetyMargin
// fits ContextSize-MaxTokens and returns the number of evicted turns. When no
// non-empty window fits it fails with ErrBudgetExceeded and puts back every
// turn it evicted. An encoder error puts them back as well. Without
// IncludeHistory only the last turn is rendered, so that render is checked
// once and nothing is evicted.
func (w *Window) Shift(ctx context.Context, enc Encoder, params ShiftParams) (int, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := params.Budget()

	if w.Len() < 1 {
		return 0, fmt.Errorf("%w: %d", ErrBudgetExceeded, params.ContextSize)
	}
	snapshot := w.Turns()

	evicted := 0
	for {
		rendered := w.Format(params.SystemPrompt, params.IncludeHistory)
		tokens, err := enc.Tokenize(ctx, rendered)
		if err != nil {
			w.turns = snapshot
			return 0, fmt.Errorf("encode prompt: %w", err)
		}

		estimated := len(tokens) + SafetyMargin
		if estimated <= budget {
			if evicted > 0 {
				logger.Debug("window shifted",
					zap.Int("evicted", evicted),
					zap.Int("remaining", w.Len()),
					zap.Int("tokens", estimated),
					zap.Int("budget", budget))
			}
			return evicted, nil
		}

		if w.Len() == 1 || !params.IncludeHistory {
			w.turns = snapshot
			logger.Debug("prompt does not fit the context",
				zap.Int("tokens", estimated),
				zap.Int("budget", budget),
				zap.Int("turns", w.Len()))
			return 0, fmt.Errorf("%w: %d", ErrBudgetExceeded, params.ContextSize)
		}

		w.EvictOldest()
		evicted++
	}
}
