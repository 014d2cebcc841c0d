// Package prompt renders a system prompt and an ordered list of turns into the
// single text blob a llama.cpp server expects for a given model family.
// Different model families were trained on different delimiter tokens, and the
// server has no tolerance for whitespace drift around its stop sequences, so
// every family reproduces its delimiters exactly.
package prompt

import (
	"fmt"
	"strings"

	"github.com/soypete/pedrochat/pkg/chat"
)

// Family is the prompt template tag carried on a model's catalog entry.
type Family string

const (
	FamilyGeneral       Family = "general"
	FamilyLlama         Family = "llama"
	FamilyMistral       Family = "mistral"
	FamilyZephyr        Family = "zephyr"
	FamilyPhind         Family = "phind"
	FamilyOpenFunctions Family = "openfunctions"
	FamilyChatML        Family = "chatml"
)

// Families lists every supported family in a stable order.
func Families() []Family {
	return []Family{
		FamilyGeneral,
		FamilyLlama,
		FamilyMistral,
		FamilyZephyr,
		FamilyPhind,
		FamilyOpenFunctions,
		FamilyChatML,
	}
}

// ParseFamily validates a family tag.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown prompt family: %q", s)
}

// Template renders prompts for one family. The zero value renders with the
// general family.
type Template struct {
	family Family
}

// New returns the template for a family. Unknown families fall back to general.
func New(family Family) Template {
	if _, err := ParseFamily(string(family)); err != nil {
		family = FamilyGeneral
	}
	return Template{family: family}
}

// Family returns the family tag this template renders.
func (t Template) Family() Family {
	if t.family == "" {
		return FamilyGeneral
	}
	return t.family
}

// Render builds the prompt. When includeHistory is false only the final turn
// is rendered. An empty turn list renders the preamble alone.
func (t Template) Render(systemPrompt string, turns []chat.Turn, includeHistory bool) string {
	if !includeHistory && len(turns) > 1 {
		turns = turns[len(turns)-1:]
	}

	var b strings.Builder
	switch t.Family() {
	case FamilyLlama:
		renderLlama(&b, systemPrompt, turns)
	case FamilyMistral:
		renderMistral(&b, systemPrompt, turns)
	case FamilyZephyr:
		renderZephyr(&b, systemPrompt, turns)
	case FamilyPhind:
		renderPhind(&b, systemPrompt, turns)
	case FamilyOpenFunctions:
		renderOpenFunctions(&b, systemPrompt, turns)
	case FamilyChatML:
		renderChatML(&b, systemPrompt, turns)
	default:
		renderGeneral(&b, systemPrompt, turns)
	}
	return b.String()
}
