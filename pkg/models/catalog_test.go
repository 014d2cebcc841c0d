package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/pedrochat/pkg/prompt"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c := Default()
	assert.Len(t, c.All(), 8)
}

func TestLookupFile(t *testing.T) {
	tests := []struct {
		path   string
		model  string
		family prompt.Family
	}{
		{"/home/u/models/mistral-7b-instruct-v0.1.Q4_K_M.gguf", "Mistral 7B Instruct v0.1", prompt.FamilyMistral},
		{"zephyr-7b-beta.Q5_K_M.gguf", "Zephyr 7B β", prompt.FamilyZephyr},
		{"codellama-13b-instruct.Q8_0.gguf", "CodeLlama 13B Instruct", prompt.FamilyLlama},
		{"phind-codellama-34b-v2.Q4_K_M.gguf", "Phind CodeLlama 34B v2", prompt.FamilyPhind},
		{"gorilla-openfunctions-v1.Q4_K_M.gguf", "Gorilla OpenFunctions", prompt.FamilyOpenFunctions},
		{"llava-v1.5-13b-Q4_0.gguf", "LLaVA-1.5 13B", prompt.FamilyGeneral},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			model, file, err := Default().LookupFile(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.model, model.Name)
			assert.Equal(t, tc.family, model.PromptTemplate)
			assert.NotEmpty(t, file.Name)
		})
	}
}

func TestLookupFile_Unknown(t *testing.T) {
	_, _, err := Default().LookupFile("/models/unknown.gguf")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = Default().Family("nope.gguf")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestMultimodalFile(t *testing.T) {
	model, file, err := Default().LookupFile("llava-v1.5-13b-Q4_0.gguf")
	require.NoError(t, err)
	assert.True(t, file.Multimodal)
	assert.Equal(t, "mmproj-model-f16.gguf", file.MMProj())
	assert.True(t, model.Has(CapabilityImages))
	assert.False(t, model.Has(CapabilityTools))

	_, plain, err := Default().LookupFile("llama-2-7b-chat.Q4_K_M.gguf")
	require.NoError(t, err)
	assert.Empty(t, plain.MMProj())
}

func TestParse_RejectsUnknownFamily(t *testing.T) {
	_, err := Parse([]byte(`
models:
  - name: Alpaca
    prompt_template: alpaca
    files:
      - name: alpaca.gguf
`))
	assert.Error(t, err)
}

func TestParse_RejectsDuplicateFiles(t *testing.T) {
	_, err := Parse([]byte(`
models:
  - name: A
    prompt_template: llama
    files:
      - name: same.gguf
  - name: B
    prompt_template: llama
    files:
      - name: same.gguf
`))
	assert.Error(t, err)
}
