package sqlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/sqlgen/prompts"
)

// Prompts contains the SQL generation prompts loaded from embedded files.
type Prompts struct {
	System   string
	Generate string
	Correct  string
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.System, err = loadPrompt("SYSTEM.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYSTEM: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Correct, err = loadPrompt("CORRECT.md"); err != nil {
		return nil, fmt.Errorf("failed to load CORRECT: %w", err)
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func catalogReplacements(cat *catalog.Catalog) []string {
	data, def := cat.DataWindow(), cat.DefaultWindow()
	return []string{
		"{{CATALOG}}", cat.Describe(),
		"{{PRIMARY_VIEW}}", cat.PrimaryView(),
		"{{COLUMNS}}", strings.Join(cat.Columns(), ", "),
		"{{DATA_FROM}}", data.From,
		"{{DATA_TO}}", data.To,
		"{{DEFAULT_FROM}}", def.From,
		"{{DEFAULT_TO}}", def.To,
	}
}

// BuildGeneratePrompt renders the first-attempt prompt.
func (p *Prompts) BuildGeneratePrompt(question string, cat *catalog.Catalog) string {
	pairs := append(catalogReplacements(cat), "{{QUESTION}}", question)
	return strings.NewReplacer(pairs...).Replace(p.Generate)
}

// BuildCorrectionPrompt renders a retry prompt from the most recent failed
// candidate only. Earlier attempts are deliberately left out.
func (p *Prompts) BuildCorrectionPrompt(question string, last *Candidate, cat *catalog.Catalog) string {
	var errs strings.Builder
	for i, e := range last.Errors {
		if i > 0 {
			errs.WriteString("\n")
		}
		errs.WriteString("- " + e)
	}
	pairs := append(catalogReplacements(cat),
		"{{QUESTION}}", question,
		"{{ATTEMPT}}", strconv.Itoa(last.Attempt),
		"{{SQL}}", last.SQL,
		"{{ERRORS}}", errs.String(),
	)
	return strings.NewReplacer(pairs...).Replace(p.Correct)
}
