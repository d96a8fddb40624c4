// Package guard enforces the read-only query surface before any statement
// reaches the analytical engine.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
)

const defaultLimit = 10000

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^']|'')*'`)
	lineCommentRe   = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	identifierRe    = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	limitRe         = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	groupByRe       = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	leadingVerbRe   = regexp.MustCompile(`^\s*\(*\s*([A-Za-z]+)`)
)

type Config struct {
	Catalog *catalog.Catalog

	// DefaultLimit is appended to non-aggregating statements without a LIMIT.
	DefaultLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	if cfg.DefaultLimit < 0 {
		return errors.New("default limit must be non-negative")
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = defaultLimit
	}
	return nil
}

type Guardrail struct {
	cfg Config
}

func New(cfg Config) (*Guardrail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate guard config: %w", err)
	}
	return &Guardrail{cfg: cfg}, nil
}

func (g *Guardrail) Catalog() *catalog.Catalog {
	return g.cfg.Catalog
}

// Enforce checks sql against the catalog and returns the statement that may
// be executed, with a default LIMIT appended when it has neither a LIMIT nor
// a GROUP BY.
func (g *Guardrail) Enforce(sql string) (string, error) {
	sql = Clean(sql)
	if sql == "" {
		return "", &SafetyViolationError{Reason: "Empty statement"}
	}
	if violations := g.safetyViolations(sql); len(violations) > 0 {
		return "", violations[0]
	}
	if err := g.schemaViolation(sql); err != nil {
		return "", err
	}
	if !HasLimit(sql) && !HasGroupBy(sql) {
		sql = fmt.Sprintf("%s LIMIT %d", sql, g.cfg.DefaultLimit)
	}
	return sql, nil
}

// safetyViolations lists every denied keyword in order of first appearance,
// followed by structural problems such as stacked statements.
func (g *Guardrail) safetyViolations(sql string) []*SafetyViolationError {
	scrubbed := Scrub(sql)

	var out []*SafetyViolationError
	seen := make(map[string]struct{})
	for _, tok := range identifierRe.FindAllString(scrubbed, -1) {
		upper := strings.ToUpper(tok)
		if _, ok := seen[upper]; ok {
			continue
		}
		if g.cfg.Catalog.IsDeniedKeyword(upper) {
			seen[upper] = struct{}{}
			out = append(out, &SafetyViolationError{Keyword: upper})
		}
	}

	if strings.Contains(strings.TrimSuffix(strings.TrimSpace(scrubbed), ";"), ";") {
		out = append(out, &SafetyViolationError{Reason: "Multiple statements are not allowed"})
	}
	if len(out) == 0 && !IsReadQuery(sql) {
		out = append(out, &SafetyViolationError{Reason: "Only SELECT queries are allowed"})
	}
	return out
}

func (g *Guardrail) schemaViolation(sql string) error {
	if !IsReadQuery(sql) {
		return nil
	}
	for _, tok := range identifierRe.FindAllString(Scrub(sql), -1) {
		if g.cfg.Catalog.IsAllowedView(tok) {
			return nil
		}
	}
	return &SchemaViolationError{AllowedViews: g.cfg.Catalog.AllowedViews()}
}

// Clean trims whitespace, trailing comments and trailing semicolons, so a
// clause appended to the result is never swallowed by a comment.
func Clean(sql string) string {
	for {
		prev := sql
		sql = strings.TrimSpace(sql)
		sql = strings.TrimSuffix(sql, ";")
		sql = trimTrailingComment(sql)
		if sql == prev {
			return sql
		}
	}
}

// trimTrailingComment drops a comment that runs to the end of sql. Comment
// markers inside string literals are not comments.
func trimTrailingComment(sql string) string {
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		switch {
		case sql[i] == '\'':
			inLiteral = !inLiteral
		case inLiteral:
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end == -1 {
				return sql[:i]
			}
			i += end
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end == -1 {
				return sql[:i]
			}
			next := i + 2 + end + 2
			if strings.TrimSpace(sql[next:]) == "" {
				return sql[:i]
			}
			i = next - 1
		}
	}
	return sql
}

// Scrub blanks out string literals and comments so keyword scans only see
// SQL structure.
func Scrub(sql string) string {
	sql = blockCommentRe.ReplaceAllString(sql, " ")
	sql = lineCommentRe.ReplaceAllString(sql, " ")
	return stringLiteralRe.ReplaceAllString(sql, "''")
}

func IsReadQuery(sql string) bool {
	m := leadingVerbRe.FindStringSubmatch(Scrub(sql))
	if m == nil {
		return false
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT", "WITH", "FROM":
		return true
	}
	return false
}

func HasLimit(sql string) bool {
	return limitRe.MatchString(Scrub(sql))
}

func HasGroupBy(sql string) bool {
	return groupByRe.MatchString(Scrub(sql))
}

// ProbeSQL rewrites sql so it returns no rows: every LIMIT n becomes LIMIT 0,
// or LIMIT 0 is appended.
func ProbeSQL(sql string) string {
	sql = Clean(sql)
	if HasLimit(sql) {
		return limitRe.ReplaceAllString(sql, "LIMIT 0")
	}
	return sql + " LIMIT 0"
}
