package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

// renderOpenFunctions targets Gorilla OpenFunctions, which marks the user
// request with <<question>>.
func renderOpenFunctions(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")

	for _, turn := range turns {
		if turn.Role == chat.RoleUser {
			b.WriteString("USER: <<question>> ")
			b.WriteString(turn.Text)
			b.WriteString(" \n")
			continue
		}
		b.WriteString("ASSISTANT:")
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
}
