package repl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// LineReader reads prompted lines. readline.ErrInterrupt means Ctrl+C and
// io.EOF means Ctrl+D.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// InputHandler manages user input with readline support
type InputHandler struct {
	rl *readline.Instance
}

// NewInputHandler creates a readline backed input handler. An empty
// historyFile uses ~/.pedrochat_history.
func NewInputHandler(prompt, historyFile string) (*InputHandler, error) {
	if historyFile == "" {
		historyFile = getHistoryFilePath()
	}

	config := &readline.Config{
		Prompt:                 prompt,
		HistoryFile:            historyFile,
		HistoryLimit:           1000,
		DisableAutoSaveHistory: false,
		InterruptPrompt:        "^C",
		EOFPrompt:              "exit",
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &InputHandler{rl: rl}, nil
}

// Readline reads a single line of input
func (h *InputHandler) Readline() (string, error) {
	return h.rl.Readline()
}

// SetPrompt replaces the prompt
func (h *InputHandler) SetPrompt(prompt string) {
	h.rl.SetPrompt(prompt)
}

// Close closes the input handler
func (h *InputHandler) Close() error {
	return h.rl.Close()
}

// getHistoryFilePath returns the path to the history file
func getHistoryFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pedrochat_history")
	}

	return filepath.Join(homeDir, ".pedrochat_history")
}
