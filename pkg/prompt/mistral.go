package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

const (
	mistralUserPrefix      = "[INST]"
	mistralUserSuffix      = "[/INST]"
	mistralAssistantSuffix = "</s>"
)

// renderMistral folds the system prompt into the first instruction. The first
// user turn reuses the opening [INST] from the preamble.
func renderMistral(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	b.WriteString("<s>[INST] ")
	b.WriteString(systemPrompt)
	b.WriteString(" ")

	for idx, turn := range turns {
		if turn.Role == chat.RoleUser {
			if idx > 0 {
				b.WriteString(mistralUserPrefix)
			}
			b.WriteString(turn.Text)
			b.WriteString(mistralUserSuffix)
			continue
		}
		b.WriteString(turn.Text)
		if idx == len(turns)-2 {
			b.WriteString(mistralAssistantSuffix)
		}
	}
}
