// Package strategy holds the catalogue of enhancement strategies, builds
// their prompts and interprets model completions.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/polisai/polis-enhance/pkg/domain"
)

// ErrTemplateNotFound is returned when a template source has no entry for a strategy.
var ErrTemplateNotFound = errors.New("strategy template not found")

// Definition describes one strategy.
type Definition struct {
	ID          domain.StrategyID
	Title       string
	Instruction string
	// Model overrides the invoker's default model when set.
	Model string
	// MaxOutputTokens bounds the completion; zero lets the provider decide.
	MaxOutputTokens int
}

var builtins = []Definition{
	{
		ID:          domain.StrategyClarity,
		Title:       "Clarity",
		Instruction: "Rewrite the document so every sentence is unambiguous and direct. Prefer short sentences and concrete wording. Keep the meaning and structure.",
	},
	{
		ID:          domain.StrategyCompleteness,
		Title:       "Completeness",
		Instruction: "Identify gaps such as undefined terms, missing steps or unstated prerequisites and fill them. Do not remove existing content.",
	},
	{
		ID:          domain.StrategyConsistency,
		Title:       "Consistency",
		Instruction: "Make terminology, tense, formatting and naming consistent across the whole document.",
	},
	{
		ID:          domain.StrategyAccuracy,
		Title:       "Accuracy",
		Instruction: "Correct factual, numerical and logical errors. Leave statements you cannot verify unchanged.",
	},
	{
		ID:          domain.StrategyReadability,
		Title:       "Readability",
		Instruction: "Improve flow and layout for a general technical audience: headings, paragraph length and transitions.",
	},
}

// TemplateSource supplies instruction overrides per strategy.
type TemplateSource interface {
	Template(ctx context.Context, id domain.StrategyID) (string, error)
}

// Catalog resolves strategy ids. It is immutable after construction.
type Catalog struct {
	defs map[domain.StrategyID]Definition
}

// Builtin returns the catalogue of the five standard strategies.
func Builtin() *Catalog {
	c, _ := NewCatalog(builtins...)
	return c
}

// NewCatalog builds a catalogue from defs.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[domain.StrategyID]Definition, len(defs))}
	for _, d := range defs {
		if strings.TrimSpace(string(d.ID)) == "" {
			return nil, domain.InvalidInput("strategy id is required")
		}
		if strings.TrimSpace(d.Instruction) == "" {
			return nil, domain.InvalidInput("strategy %s has no instruction", d.ID)
		}
		if _, dup := c.defs[d.ID]; dup {
			return nil, domain.InvalidInput("duplicate strategy %s", d.ID)
		}
		c.defs[d.ID] = d
	}
	return c, nil
}

// WithTemplates returns a copy whose instructions are replaced by the ones
// src provides. Strategies src does not know keep their instruction.
func (c *Catalog) WithTemplates(ctx context.Context, src TemplateSource) (*Catalog, error) {
	out := &Catalog{defs: make(map[domain.StrategyID]Definition, len(c.defs))}
	for id, d := range c.defs {
		text, err := src.Template(ctx, id)
		switch {
		case errors.Is(err, ErrTemplateNotFound):
		case err != nil:
			return nil, err
		case strings.TrimSpace(text) != "":
			d.Instruction = strings.TrimSpace(text)
		}
		out.defs[id] = d
	}
	return out, nil
}

// Lookup returns the definition for id.
func (c *Catalog) Lookup(id domain.StrategyID) (Definition, bool) {
	d, ok := c.defs[id]
	return d, ok
}

// IDs returns every known strategy id, sorted.
func (c *Catalog) IDs() []domain.StrategyID {
	ids := make([]domain.StrategyID, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DirTemplates reads instruction overrides from <root>/<strategy>.txt.
type DirTemplates struct {
	root string
}

// NewDirTemplates reads templates below root.
func NewDirTemplates(root string) *DirTemplates {
	return &DirTemplates{root: root}
}

// Template implements TemplateSource.
func (d *DirTemplates) Template(_ context.Context, id domain.StrategyID) (string, error) {
	name := cleanFilename(string(id))
	if name == "" {
		return "", domain.InvalidInput("strategy id is required")
	}
	path := filepath.Join(d.root, name+".txt")
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s at %s", ErrTemplateNotFound, id, path)
		}
		return "", fmt.Errorf("read strategy template: %w", err)
	}
	return string(content), nil
}

func cleanFilename(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "..", ""), string(filepath.Separator), "")
}
