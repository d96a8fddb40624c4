package chartspec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec/prompts"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

// Prompts contains the chart spec prompts loaded from embedded files.
type Prompts struct {
	System  string
	Spec    string
	Correct string
	Schema  string
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.System, err = loadPrompt("SYSTEM.md"); err != nil {
		return nil, fmt.Errorf("failed to load SYSTEM: %w", err)
	}
	if p.Spec, err = loadPrompt("SPEC.md"); err != nil {
		return nil, fmt.Errorf("failed to load SPEC: %w", err)
	}
	if p.Correct, err = loadPrompt("CORRECT.md"); err != nil {
		return nil, fmt.Errorf("failed to load CORRECT: %w", err)
	}
	if p.Schema, err = Schema(); err != nil {
		return nil, err
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

// BuildSpecPrompt renders the first-attempt prompt from a sample of rs.
// Non-finite numbers in the sample are written as null.
func (p *Prompts) BuildSpecPrompt(question, sql string, rs *engine.ResultSet, sampleSize int) (string, error) {
	sample := rs.Head(sampleSize)
	rows := make([]engine.Row, len(sample.Rows))
	for i, row := range sample.Rows {
		rows[i] = finiteRow(row)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode sample rows: %w", err)
	}
	return strings.NewReplacer(
		"{{QUESTION}}", question,
		"{{SQL}}", sql,
		"{{SAMPLE_SIZE}}", strconv.Itoa(sampleSize),
		"{{SAMPLE}}", string(data),
		"{{COLUMNS}}", strings.Join(rs.Columns, ", "),
		"{{SCHEMA}}", p.Schema,
	).Replace(p.Spec), nil
}

func finiteRow(row engine.Row) engine.Row {
	out := make(engine.Row, len(row))
	for k, v := range row {
		switch f := v.(type) {
		case float64:
			if math.IsNaN(f) || math.IsInf(f, 0) {
				v = nil
			}
		case float32:
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				v = nil
			}
		}
		out[k] = v
	}
	return out
}

// BuildCorrectionPrompt renders a retry prompt from the previous attempt and
// its error only.
func (p *Prompts) BuildCorrectionPrompt(question string, attempt int, previous *Spec, lastErr string, columns, datasetColumns []string) string {
	prev := "None"
	if previous != nil {
		prev = previous.JSON()
	}
	return strings.NewReplacer(
		"{{QUESTION}}", question,
		"{{ATTEMPT}}", strconv.Itoa(attempt),
		"{{PREVIOUS}}", prev,
		"{{ERROR}}", lastErr,
		"{{COLUMNS}}", strings.Join(columns, ", "),
		"{{DATASET_COLUMNS}}", strings.Join(datasetColumns, ", "),
		"{{SCHEMA}}", p.Schema,
	).Replace(p.Correct)
}
