package llm

import (
	"bytes"
	"regexp"
)

// frameLine matches one `field: value` line of an event stream.
var frameLine = regexp.MustCompile(`^(\S+):\s(.*)$`)

// Frame is one decoded `field: value` line.
type Frame struct {
	Field string
	Value string
}

// ParseFrame splits a complete line into a frame. Lines that are not of the
// form `field: value` (blank separators, comments) report false.
func ParseFrame(line string) (Frame, bool) {
	m := frameLine.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, false
	}
	return Frame{Field: m[1], Value: m[2]}, true
}

// Accumulator carries the trailing incomplete line of one read chunk into the
// next. It is a value: Feed returns the accumulator to use for the next chunk
// and leaves the receiver untouched.
type Accumulator struct {
	leftover []byte
}

// Feed prepends the leftover to chunk, splits on newlines and returns every
// complete line. A trailing partial line is kept in the returned accumulator.
// Bytes are only turned into strings once a line is complete, so multi-byte
// characters split across chunks survive.
func (a Accumulator) Feed(chunk []byte) (Accumulator, []string) {
	data := make([]byte, 0, len(a.leftover)+len(chunk))
	data = append(data, a.leftover...)
	data = append(data, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(data[:idx], []byte("\r"))))
		data = data[idx+1:]
	}

	next := Accumulator{}
	if len(data) > 0 {
		next.leftover = data
	}
	return next, lines
}

// Flush returns the leftover as a final line at end of input.
func (a Accumulator) Flush() []string {
	if len(a.leftover) == 0 {
		return nil
	}
	return []string{string(bytes.TrimSuffix(a.leftover, []byte("\r")))}
}

// Pending returns the buffered partial line.
func (a Accumulator) Pending() string {
	return string(a.leftover)
}
