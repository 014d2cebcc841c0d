package repl

import (
	"fmt"
	"io"
	"os"
)

// Output writes REPL messages and streamed tokens
type Output struct {
	writer io.Writer
}

// NewOutput creates an output handler on w, or stdout when w is nil
func NewOutput(w io.Writer) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{writer: w}
}

// Writer returns the underlying writer
func (o *Output) Writer() io.Writer {
	return o.writer
}

// Token writes one streamed token as-is
func (o *Output) Token(token string) {
	fmt.Fprint(o.writer, token)
}

// PrintMessage prints a message to the output
func (o *Output) PrintMessage(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// PrintError prints an error message
func (o *Output) PrintError(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, "❌ "+format, args...)
}

// PrintSuccess prints a success message
func (o *Output) PrintSuccess(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, "✅ "+format, args...)
}

// PrintWarning prints a warning message
func (o *Output) PrintWarning(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, "⚠️  "+format, args...)
}

// ClearScreen clears the terminal screen
func (o *Output) ClearScreen() {
	fmt.Fprint(o.writer, "\033[H\033[2J")
}
