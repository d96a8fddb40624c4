package guard

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/ristretto"
)

const defaultProbeCacheTTL = 10 * time.Minute

// Prober runs the engine-side checks used during validation.
type Prober interface {
	// Explain plans sql without running it.
	Explain(ctx context.Context, sql string) error
	// Probe runs sql, expected to return no rows, and reports its columns.
	Probe(ctx context.Context, sql string) ([]string, error)
}

// ValidationResult is consumed immediately by the caller, either to build a
// correction prompt or to accept the candidate.
type ValidationResult struct {
	Valid  bool
	Errors []string
	// Unsafe is set when the statement was rejected without being sent to
	// the engine.
	Unsafe bool
}

type ValidatorConfig struct {
	Logger    *slog.Logger
	Guardrail *Guardrail
	Prober    Prober

	// CacheTTL bounds how long engine-backed results are reused for an
	// identical statement. Zero selects the default, negative disables caching.
	// Outcomes caused by timeouts or connection failures are never cached.
	CacheTTL time.Duration
}

func (cfg *ValidatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Guardrail == nil {
		return errors.New("guardrail is required")
	}
	if cfg.Prober == nil {
		return errors.New("prober is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultProbeCacheTTL
	}
	return nil
}

type Validator struct {
	log   *slog.Logger
	cfg   ValidatorConfig
	cache *ristretto.Cache
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate validator config: %w", err)
	}
	v := &Validator{
		log: cfg.Logger,
		cfg: cfg,
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     10_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create probe cache: %w", err)
		}
		v.cache = cache
	}
	return v, nil
}

// Validate runs the static checks, then plans and probes the statement
// against the engine. Statements with safety or view violations never reach
// the engine.
func (v *Validator) Validate(ctx context.Context, sql string) ValidationResult {
	sql = Clean(sql)
	g := v.cfg.Guardrail

	var errs []string
	if sql == "" {
		return ValidationResult{Errors: []string{"Empty statement"}, Unsafe: true}
	}
	for _, violation := range g.safetyViolations(sql) {
		errs = append(errs, violation.Error())
	}
	if err := g.schemaViolation(sql); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		errs = append(errs, groupByWithoutLimit(sql)...)
		return ValidationResult{Errors: errs, Unsafe: true}
	}

	key := cacheKey(sql)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			v.log.Debug("guard: probe cache hit", "sql", sql)
			return cached.(ValidationResult)
		}
	}

	engineErrs, err := v.engineErrors(ctx, sql)
	errs = append(errs, engineErrs...)
	errs = append(errs, groupByWithoutLimit(sql)...)
	res := ValidationResult{Valid: len(errs) == 0, Errors: errs}

	switch {
	case v.cache == nil:
	case ctx.Err() != nil || isTransient(err):
		v.log.Debug("guard: engine check not cached", "sql", sql, "error", err)
	default:
		v.cache.SetWithTTL(key, res, 1, v.cfg.CacheTTL)
	}
	return res
}

// engineErrors plans and runs the statement. The returned error is the raw
// engine failure behind the messages, if any.
func (v *Validator) engineErrors(ctx context.Context, sql string) ([]string, error) {
	if err := v.cfg.Prober.Explain(ctx, sql); err != nil {
		// Planning binds names, so unknown columns can surface here already.
		if isMissingColumn(errorText(err)) {
			return []string{v.describeProbeError(err)}, err
		}
		return []string{fmt.Sprintf("SQL syntax error: %s", errorText(err))}, err
	}

	columns, err := v.cfg.Prober.Probe(ctx, ProbeSQL(sql))
	if err != nil {
		return []string{v.describeProbeError(err)}, err
	}
	return v.suspectColumnErrors(sql, columns), nil
}

// isTransient reports whether err may not recur for the same statement:
// timeouts, cancellations and connection failures.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) && t.Transient() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, target := range []error{
		context.DeadlineExceeded,
		context.Canceled,
		driver.ErrBadConn,
		net.ErrClosed,
		io.EOF,
		io.ErrUnexpectedEOF,
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var missingColumnRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)column\s+["'\x60]?([A-Za-z0-9_.]+)["'\x60]?\s+(?:was\s+)?not\s+found`),
	regexp.MustCompile(`(?i)missing\s+columns?:\s+'([A-Za-z0-9_.]+)'`),
	regexp.MustCompile(`(?i)unknown\s+(?:expression\s+)?identifier\s+'([A-Za-z0-9_.]+)'`),
}

func (v *Validator) describeProbeError(err error) string {
	msg := errorText(err)
	if isMissingColumn(msg) {
		for _, re := range missingColumnRes {
			m := re.FindStringSubmatch(msg)
			if m == nil {
				continue
			}
			col := m[1]
			if idx := strings.LastIndex(col, "."); idx >= 0 {
				col = col[idx+1:]
			}
			if suggestion, ok := v.cfg.Guardrail.Catalog().SuggestColumn(col); ok {
				return (&SchemaViolationError{Column: col, Suggestion: suggestion}).Error()
			}
			return fmt.Sprintf("Column error: %s", msg)
		}
		return fmt.Sprintf("Column error: %s", msg)
	}
	return fmt.Sprintf("SQL execution error: %s", msg)
}

func isMissingColumn(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "column") && strings.Contains(lower, "not found") ||
		strings.Contains(lower, "missing columns") ||
		strings.Contains(lower, "unknown expression identifier") ||
		strings.Contains(lower, "unknown identifier")
}

// suspectColumnErrors flags names the generation service commonly invents
// for time columns when they appear in identifier position but are not part
// of the result.
func (v *Validator) suspectColumnErrors(sql string, resultColumns []string) []string {
	have := make(map[string]struct{}, len(resultColumns))
	for _, c := range resultColumns {
		have[strings.ToLower(c)] = struct{}{}
	}
	scrubbed := strings.ToLower(Scrub(sql))

	var errs []string
	for _, suspect := range v.cfg.Guardrail.Catalog().SuspectColumns() {
		suspect = strings.ToLower(suspect)
		if _, ok := have[suspect]; ok {
			continue
		}
		if !usedAsIdentifier(scrubbed, suspect) {
			continue
		}
		suggestion, ok := v.cfg.Guardrail.Catalog().SuggestColumn(suspect)
		if !ok {
			switch {
			case strings.Contains(scrubbed, "pickup"):
				suggestion, ok = "pickup_datetime", true
			case strings.Contains(scrubbed, "dropoff"):
				suggestion, ok = "dropoff_datetime", true
			}
		}
		if ok {
			errs = append(errs, fmt.Sprintf("Column '%s' not found. Did you mean '%s'?", suspect, suggestion))
		}
	}
	return errs
}

// usedAsIdentifier reports whether word occurs somewhere other than a type
// cast, an alias declaration, a typed literal or a function call.
func usedAsIdentifier(scrubbed, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	for _, loc := range re.FindAllStringIndex(scrubbed, -1) {
		start, end := loc[0], loc[1]
		before := strings.TrimRight(scrubbed[:start], " \t\n")
		after := strings.TrimLeft(scrubbed[end:], " \t\n")
		if strings.HasSuffix(before, "::") || aliasSuffixRe.MatchString(before) {
			continue
		}
		if strings.HasPrefix(after, "'") || strings.HasPrefix(after, "(") {
			continue
		}
		return true
	}
	return false
}

var aliasSuffixRe = regexp.MustCompile(`(^|\s)as$`)

func groupByWithoutLimit(sql string) []string {
	if IsReadQuery(sql) && HasGroupBy(sql) && !HasLimit(sql) {
		return []string{"Queries with GROUP BY should include LIMIT for safety"}
	}
	return nil
}

func cacheKey(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func errorText(err error) string {
	return strings.TrimSpace(err.Error())
}
