// Package models is the catalog of GGUF models the chat engine knows how to
// prompt. Each entry carries the prompt family its files were fine-tuned on.
package models

import (
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/soypete/pedrochat/pkg/prompt"
)

//go:embed catalog.yaml
var catalogYAML []byte

// ErrUnknownModel is returned when a model file is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Capability tags what a model can do besides chat.
type Capability string

const (
	CapabilityTools  Capability = "tools"
	CapabilityImages Capability = "images"
)

// Model is one catalog entry.
type Model struct {
	Name           string        `yaml:"name" json:"name"`
	Description    string        `yaml:"description" json:"description"`
	Parameters     string        `yaml:"parameters" json:"parameters"`
	PromptTemplate prompt.Family `yaml:"prompt_template" json:"promptTemplate"`
	Capabilities   []Capability  `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Files          []File        `yaml:"files" json:"files"`
}

// File is one downloadable quantization of a model.
type File struct {
	Name            string           `yaml:"name" json:"name"`
	Repository      string           `yaml:"repository" json:"repository"`
	Quantization    string           `yaml:"quantization" json:"quantization"`
	SizeBytes       int64            `yaml:"size_bytes" json:"sizeBytes"`
	Multimodal      bool             `yaml:"multimodal,omitempty" json:"multimodal,omitempty"`
	SupportingFiles []SupportingFile `yaml:"supporting_files,omitempty" json:"supportingFiles,omitempty"`
}

// SupportingFile is an extra file a model needs, such as a multimodal projector.
type SupportingFile struct {
	Name string `yaml:"name" json:"name"`
}

// MMProj returns the multimodal projector file name, if any.
func (f File) MMProj() string {
	if !f.Multimodal || len(f.SupportingFiles) == 0 {
		return ""
	}
	return f.SupportingFiles[0].Name
}

// Has reports whether the model advertises a capability.
func (m Model) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Catalog indexes models by file name.
type Catalog struct {
	models []Model
	byFile map[string]int
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	c := &Catalog{models: doc.Models, byFile: make(map[string]int)}
	for i, m := range doc.Models {
		if _, err := prompt.ParseFamily(string(m.PromptTemplate)); err != nil {
			return nil, fmt.Errorf("model %q: %w", m.Name, err)
		}
		for _, f := range m.Files {
			if _, dup := c.byFile[f.Name]; dup {
				return nil, fmt.Errorf("model file %q listed twice", f.Name)
			}
			c.byFile[f.Name] = i
		}
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(catalogYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded model catalog is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// All returns every model in catalog order.
func (c *Catalog) All() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// LookupFile finds the model and file for a model path or bare file name.
func (c *Catalog) LookupFile(modelPath string) (Model, File, error) {
	name := filepath.Base(modelPath)
	idx, ok := c.byFile[name]
	if !ok {
		return Model{}, File{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	model := c.models[idx]
	for _, f := range model.Files {
		if f.Name == name {
			return model, f, nil
		}
	}
	return Model{}, File{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
}

// Family returns the prompt family for a model path.
func (c *Catalog) Family(modelPath string) (prompt.Family, error) {
	model, _, err := c.LookupFile(modelPath)
	if err != nil {
		return "", err
	}
	return model.PromptTemplate, nil
}
