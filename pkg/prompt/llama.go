package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

// renderLlama uses the Llama 2 chat format. The system block is closed with an
// empty instruction so the first user turn opens its own [INST].
func renderLlama(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString("[INST]<<SYS>>\n")
	b.WriteString(systemPrompt)
	b.WriteString("\n<</SYS>>\n\n[/INST]\n\n")

	for _, turn := range turns {
		if turn.Role == chat.RoleUser {
			b.WriteString("[INST]")
			b.WriteString(turn.Text)
			b.WriteString("[/INST]\n")
			continue
		}
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
}
