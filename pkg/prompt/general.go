package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

const generalPreamble = `You are a helpful AI assistant that remembers previous conversation between yourself the "ASSISTANT" and a human the "USER":
USER: <previous user message>
ASSISTANT: <previous AI assistant message>

The AI's task is to understand the context and utilize the previous conversation in addressing the user's questions or requests.
`

// renderGeneral is used for models without a dedicated chat format.
func renderGeneral(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString(generalPreamble)
	b.WriteString(systemPrompt)

	for idx, turn := range turns {
		if turn.Role == chat.RoleUser {
			b.WriteString("\nUSER:\n")
			b.WriteString(turn.Text)
			if idx == len(turns)-1 {
				b.WriteString("\nASSISTANT:\n")
			}
			continue
		}
		b.WriteString("\nASSISTANT:\n")
		b.WriteString(turn.Text)
		b.WriteString("\n\n")
	}
}
