package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(chunks ...string) ([]string, Accumulator) {
	var acc Accumulator
	var all []string
	for _, chunk := range chunks {
		var lines []string
		acc, lines = acc.Feed([]byte(chunk))
		all = append(all, lines...)
	}
	return all, acc
}

func TestAccumulator_SplitFrame(t *testing.T) {
	lines, acc := feedAll(`data: {"content":"Hel`, "lo\"}\n")
	assert.Equal(t, []string{`data: {"content":"Hello"}`}, lines)
	assert.Empty(t, acc.Pending())
}

func TestAccumulator_KeepsLeftover(t *testing.T) {
	var acc Accumulator
	next, lines := acc.Feed([]byte("data: a\ndata: b"))

	assert.Equal(t, []string{"data: a"}, lines)
	assert.Equal(t, "data: b", next.Pending())
	// the receiver is not modified
	assert.Empty(t, acc.Pending())
	assert.Equal(t, []string{"data: b"}, next.Flush())
}

func TestAccumulator_CRLF(t *testing.T) {
	lines, _ := feedAll("data: x\r\n\r\n")
	assert.Equal(t, []string{"data: x", ""}, lines)
}

func TestAccumulator_MultiByteRuneAcrossChunks(t *testing.T) {
	full := []byte("data: {\"content\":\"é\"}\n")
	// split inside the two-byte é
	split := 19
	var acc Accumulator
	acc, first := acc.Feed(full[:split])
	_, second := acc.Feed(full[split:])

	assert.Empty(t, first)
	assert.Equal(t, []string{`data: {"content":"é"}`}, second)
}

func TestAccumulator_ChunkingIndependent(t *testing.T) {
	stream := "data: {\"content\":\"Hel\",\"stop\":false}\n\n" +
		"error: {\"content\":\"slot busy\"}\n\n" +
		"data: {\"content\":\"lo\",\"stop\":false}\n\n" +
		"data: {\"content\":\"\",\"stop\":true}\n\n"

	whole, _ := feedAll(stream)

	for size := 1; size <= len(stream); size++ {
		var chunks []string
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		got, acc := feedAll(chunks...)
		assert.Equal(t, whole, got, "chunk size %d", size)
		assert.Empty(t, acc.Pending(), "chunk size %d", size)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		line  string
		want  Frame
		match bool
	}{
		{`data: {"content":"x"}`, Frame{Field: "data", Value: `{"content":"x"}`}, true},
		{`error: {"content":"oops"}`, Frame{Field: "error", Value: `{"content":"oops"}`}, true},
		{"data: ", Frame{Field: "data", Value: ""}, true},
		{"", Frame{}, false},
		{": keep-alive", Frame{}, false},
		{"data:nospace", Frame{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			got, ok := ParseFrame(tc.line)
			assert.Equal(t, tc.match, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
