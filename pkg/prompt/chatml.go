package prompt

import (
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

func renderChatML(b *strings.Builder, systemPrompt string, turns []chat.Turn) {
	writeChatMLBlock(b, "system", systemPrompt)

	for _, turn := range turns {
		role := "assistant"
		if turn.Role == chat.RoleUser {
			role = "user"
		}
		writeChatMLBlock(b, role, turn.Text)
	}

	b.WriteString("<|im_start|>assistant\n")
}

func writeChatMLBlock(b *strings.Builder, role, content string) {
	b.WriteString("<|im_start|>")
	b.WriteString(role)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString("<|im_end|>\n")
}
