package repl

import (
	"strings"
)

// CommandType represents different types of commands
type CommandType int

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeREPL                // REPL commands (/help, /quit, etc.)
	CommandTypeMessage             // Text sent to the model
)

// Command represents a parsed command
type Command struct {
	Type CommandType
	Name string   // Canonical name for REPL commands
	Args []string // Positional arguments for REPL commands
	Text string   // Message text
	Raw  string   // Original input
}

// Arg returns the i-th argument or "".
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// aliases maps every accepted spelling to its canonical command.
var aliases = map[string]string{
	"help":    "help",
	"h":       "help",
	"?":       "help",
	"quit":    "quit",
	"exit":    "quit",
	"q":       "quit",
	"new":     "new",
	"regen":   "regen",
	"retry":   "regen",
	"tools":   "tools",
	"tool":    "tool",
	"file":    "file",
	"attach":  "file",
	"system":  "system",
	"threads": "threads",
	"load":    "load",
	"rename":  "rename",
	"info":    "info",
	"context": "info",
	"history": "history",
	"clear":   "clear",
	"cls":     "clear",
}

// ParseCommand parses user input into a Command. Lines starting with a
// known slash command are REPL commands; "//" escapes a literal slash.
// Everything else is a message for the model.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Command{
			Type: CommandTypeUnknown,
			Raw:  input,
		}
	}

	if strings.HasPrefix(input, "//") {
		return &Command{
			Type: CommandTypeMessage,
			Text: input[1:],
			Raw:  input,
		}
	}

	if strings.HasPrefix(input, "/") {
		return parseSlashCommand(input)
	}

	return &Command{
		Type: CommandTypeMessage,
		Text: input,
		Raw:  input,
	}
}

// parseSlashCommand parses a slash command
func parseSlashCommand(input string) *Command {
	parts := strings.Fields(input)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

	canonical, ok := aliases[name]
	if !ok {
		return &Command{
			Type: CommandTypeUnknown,
			Name: name,
			Raw:  input,
		}
	}

	cmd := &Command{
		Type: CommandTypeREPL,
		Name: canonical,
		Args: parts[1:],
		Raw:  input,
	}

	// /system and /rename take the rest of the line verbatim
	if canonical == "system" || canonical == "rename" {
		cmd.Text = strings.TrimSpace(strings.TrimPrefix(input, parts[0]))
	}
	return cmd
}

// GetREPLHelp returns help text for REPL commands
func GetREPLHelp() string {
	return `
pedrochat - chat with a local llama.cpp model

Commands:
  /help, /h, /?        Show this help message
  /quit, /exit, /q     Exit (Ctrl+D works too)
  /new                 Start a new conversation
  /regen, /retry       Regenerate the last answer
  /tools               List tools and show which are active
  /tool <id> [on|off]  Toggle a tool for this conversation
  /file, /attach [path]
                       Attach a document or image to the next message (no path clears it)
  /system <prompt>     Set the system prompt (empty resets it)
  /threads             List saved conversations
  /load <thread-id>    Continue a saved conversation
  /rename <title>      Rename the current conversation
  /info, /context      Show the current session
  /history             Show what you typed this session
  /clear, /cls         Clear the screen

Press Ctrl+C while the model is answering to stop it; the partial
answer is kept. Start a message with // to send a literal slash.
`
}
