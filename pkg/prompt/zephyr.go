package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

func renderZephyr(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString("<|system|>\n")
	b.WriteString(systemPrompt)
	b.WriteString("</s>\n")

	for idx, turn := range turns {
		if turn.Role == chat.RoleUser {
			b.WriteString("<|user|>\n")
		} else {
			b.WriteString("<|assistant|>\n")
		}
		b.WriteString(turn.Text)
		b.WriteString("</s>\n")

		if idx == len(turns)-1 {
			b.WriteString("<|assistant|>\n")
		}
	}
}
