// Package catalog describes the query surface the service allows: the views
// a statement may read, the columns of the primary view, and the statement
// keywords that are never executed.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultDefinition []byte

// Definition is the YAML shape of a catalog.
type Definition struct {
	PrimaryView    string            `yaml:"primary_view"`
	Views          []View            `yaml:"views"`
	Columns        []Column          `yaml:"columns"`
	DeniedKeywords []string          `yaml:"denied_keywords"`
	Aliases        map[string]string `yaml:"aliases"`
	SuspectColumns []string          `yaml:"suspect_columns"`
	DataWindow     Window            `yaml:"data_window"`
	DefaultWindow  Window            `yaml:"default_window"`
	PreviewColumns []string          `yaml:"preview_columns"`
}

type View struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

type Column struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Window is an inclusive date range in YYYY-MM-DD form.
type Window struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Catalog is immutable once built.
type Catalog struct {
	def     Definition
	views   map[string]struct{}
	denied  map[string]struct{}
	aliases map[string]string
	columns map[string]struct{}
}

// Default returns the NYC FHVHV catalog embedded in the binary.
func Default() *Catalog {
	c, err := Parse(defaultDefinition)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Parse builds a catalog from a YAML definition.
func Parse(data []byte) (*Catalog, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse catalog definition: %w", err)
	}
	return New(def), nil
}

// New builds a catalog from a definition. Names are matched case-insensitively.
func New(def Definition) *Catalog {
	c := &Catalog{
		def:     def,
		views:   make(map[string]struct{}, len(def.Views)),
		denied:  make(map[string]struct{}, len(def.DeniedKeywords)),
		aliases: make(map[string]string, len(def.Aliases)),
		columns: make(map[string]struct{}, len(def.Columns)),
	}
	for _, v := range def.Views {
		c.views[strings.ToLower(v.Name)] = struct{}{}
	}
	for _, kw := range def.DeniedKeywords {
		c.denied[strings.ToUpper(kw)] = struct{}{}
	}
	for from, to := range def.Aliases {
		c.aliases[strings.ToLower(from)] = to
	}
	for _, col := range def.Columns {
		c.columns[strings.ToLower(col.Name)] = struct{}{}
	}
	return c
}

func (c *Catalog) IsAllowedView(name string) bool {
	_, ok := c.views[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (c *Catalog) IsDeniedKeyword(token string) bool {
	_, ok := c.denied[strings.ToUpper(strings.TrimSpace(token))]
	return ok
}

func (c *Catalog) HasColumn(name string) bool {
	_, ok := c.columns[strings.ToLower(name)]
	return ok
}

// Columns returns the canonical column names of the primary view.
func (c *Catalog) Columns() []string {
	cols := make([]string, 0, len(c.def.Columns))
	for _, col := range c.def.Columns {
		cols = append(cols, col.Name)
	}
	return cols
}

// Views returns the readable views with their descriptions.
func (c *Catalog) Views() []View {
	return append([]View(nil), c.def.Views...)
}

// ColumnDefs returns the primary view's columns with types.
func (c *Catalog) ColumnDefs() []Column {
	return append([]Column(nil), c.def.Columns...)
}

func (c *Catalog) AllowedViews() []string {
	views := make([]string, 0, len(c.def.Views))
	for _, v := range c.def.Views {
		views = append(views, v.Name)
	}
	return views
}

func (c *Catalog) DeniedKeywords() []string {
	kws := make([]string, 0, len(c.denied))
	for kw := range c.denied {
		kws = append(kws, kw)
	}
	sort.Strings(kws)
	return kws
}

func (c *Catalog) PrimaryView() string {
	return c.def.PrimaryView
}

func (c *Catalog) SuspectColumns() []string {
	return append([]string(nil), c.def.SuspectColumns...)
}

func (c *Catalog) PreviewColumns() []string {
	return append([]string(nil), c.def.PreviewColumns...)
}

func (c *Catalog) DataWindow() Window {
	return c.def.DataWindow
}

func (c *Catalog) DefaultWindow() Window {
	return c.def.DefaultWindow
}

// SuggestColumn maps a column name the engine could not resolve to the
// canonical column it most likely refers to.
func (c *Catalog) SuggestColumn(name string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if to, ok := c.aliases[lower]; ok {
		return to, true
	}
	if !strings.Contains(lower, "time") && !strings.Contains(lower, "date") {
		return "", false
	}
	switch {
	case strings.Contains(lower, "start") || strings.Contains(lower, "pickup"):
		return "pickup_datetime", c.HasColumn("pickup_datetime")
	case strings.Contains(lower, "end") || strings.Contains(lower, "dropoff"):
		return "dropoff_datetime", c.HasColumn("dropoff_datetime")
	}
	return "", false
}

// Describe renders the primary view for inclusion in a generation prompt.
func (c *Catalog) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "View: %s\n", c.def.PrimaryView)
	sb.WriteString("Columns:\n")
	for _, col := range c.def.Columns {
		if col.Description != "" {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", col.Name, col.Type, col.Description)
		} else {
			fmt.Fprintf(&sb, "- %s (%s)\n", col.Name, col.Type)
		}
	}
	if c.def.DataWindow.From != "" {
		fmt.Fprintf(&sb, "Data covers %s..%s.\n", c.def.DataWindow.From, c.def.DataWindow.To)
	}
	return sb.String()
}
