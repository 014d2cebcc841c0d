package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

func renderPhind(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString("### System Prompt\n")
	b.WriteString(systemPrompt)
	b.WriteString("\n")

	for idx, turn := range turns {
		if turn.Role == chat.RoleUser {
			b.WriteString("### User Message\n")
			b.WriteString(turn.Text)
			b.WriteString("\n")
		} else {
			b.WriteString("### Assistant\n")
			b.WriteString(turn.Text)
			b.WriteString("</s>\n")
		}

		if idx == len(turns)-1 {
			b.WriteString("### Assistant\n")
		}
	}
}
