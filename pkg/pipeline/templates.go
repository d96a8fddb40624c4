package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

// Template is a predefined metric answered without the generation service.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	// SQL may reference {{FROM}} and {{TO}}, the half-open data window.
	SQL   string          `json:"-"`
	Chart *chartspec.Spec `json:"chart"`

	summarize func(rs *engine.ResultSet, from, to string) string
}

// Render fills the time window placeholders from cat.
func (t *Template) Render(cat *catalog.Catalog) string {
	from, to := templateWindow(cat)
	return strings.NewReplacer("{{FROM}}", from, "{{TO}}", to).Replace(t.SQL)
}

// Answer summarizes rs in a sentence.
func (t *Template) Answer(rs *engine.ResultSet, cat *catalog.Catalog) string {
	from, to := templateWindow(cat)
	if t.summarize == nil {
		return "Query executed successfully"
	}
	return t.summarize(rs, from, to)
}

func templateWindow(cat *catalog.Catalog) (from, to string) {
	w := cat.DataWindow()
	from, to = w.From, w.To
	if end, err := time.Parse("2006-01-02", w.To); err == nil {
		to = end.AddDate(0, 0, 1).Format("2006-01-02")
	}
	return from, to
}

// DefaultTemplates returns the built-in metric templates. The first one is
// the fallback when nothing matches.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:        "hourly_trips_by_company",
			Description: "Trips per hour of day, split by company",
			Keywords:    []string{"hourly", "trips", "company", "hour", "by company"},
			SQL: `SELECT
    EXTRACT(HOUR FROM pickup_datetime) AS hour,
    company,
    COUNT(*) AS trips
FROM fhv_with_company
WHERE pickup_datetime >= '{{FROM}}' AND pickup_datetime < '{{TO}}'
GROUP BY hour, company
ORDER BY hour, company
LIMIT 500`,
			Chart: &chartspec.Spec{
				Type:   chartspec.TypeLine,
				Title:  "Hourly Trips by Company",
				X:      chartspec.Axis{Col: "hour", DType: chartspec.DTypeNumber, Sort: true},
				Y:      chartspec.Axis{Col: "trips", DType: chartspec.DTypeNumber},
				Series: "company",
			},
			summarize: func(rs *engine.ResultSet, from, to string) string {
				var total float64
				hours := make(map[string]struct{})
				for _, row := range rs.Rows {
					if v, ok := numeric(row["trips"]); ok {
						total += v
					}
					hours[fmt.Sprint(row["hour"])] = struct{}{}
				}
				return fmt.Sprintf("Here are hourly trips by company from %s to %s. Total trips: %s across %d hours.",
					from, to, thousands(int64(total)), len(hours))
			},
		},
		{
			Name:        "market_share",
			Description: "Share of trips per company",
			Keywords:    []string{"market share", "market", "share", "company share"},
			SQL: `SELECT
    company,
    COUNT(*) AS trips,
    ROUND(100.0 * COUNT(*) / SUM(COUNT(*)) OVER (), 2) AS market_share_pct
FROM fhv_with_company
WHERE pickup_datetime >= '{{FROM}}' AND pickup_datetime < '{{TO}}'
GROUP BY company
ORDER BY trips DESC
LIMIT 500`,
			Chart: &chartspec.Spec{
				Type:  chartspec.TypeBar,
				Title: "Market Share by Company",
				X:     chartspec.Axis{Col: "company", DType: chartspec.DTypeCategory},
				Y:     chartspec.Axis{Col: "market_share_pct", DType: chartspec.DTypeNumber},
			},
			summarize: func(rs *engine.ResultSet, from, to string) string {
				return fmt.Sprintf("Market share by company from %s to %s across %d companies.", from, to, rs.Len())
			},
		},
		{
			Name:        "top_zones",
			Description: "The 20 busiest pickup zones",
			Keywords:    []string{"top zones", "pickup zones", "popular zones", "busiest zones"},
			SQL: `SELECT
    pickup_zone,
    pickup_borough,
    COUNT(*) AS trips
FROM fhv_with_company
WHERE pickup_datetime >= '{{FROM}}' AND pickup_datetime < '{{TO}}'
GROUP BY pickup_zone, pickup_borough
ORDER BY trips DESC
LIMIT 20`,
			Chart: &chartspec.Spec{
				Type:  chartspec.TypeBar,
				Title: "Top 20 Pickup Zones",
				X:     chartspec.Axis{Col: "pickup_zone", DType: chartspec.DTypeCategory},
				Y:     chartspec.Axis{Col: "trips", DType: chartspec.DTypeNumber},
				TopK:  &chartspec.TopK{Col: "pickup_zone", K: 20, By: "trips", Order: chartspec.OrderDesc},
			},
			summarize: func(rs *engine.ResultSet, from, to string) string {
				return fmt.Sprintf("Top %d pickup zones from %s to %s.", rs.Len(), from, to)
			},
		},
	}
}

// MatchTemplate returns the first template with a keyword contained in
// question, or the first template when none match.
func MatchTemplate(templates []Template, question string) *Template {
	if len(templates) == 0 {
		return nil
	}
	q := strings.ToLower(question)
	for i := range templates {
		for _, kw := range templates[i].Keywords {
			if strings.Contains(q, kw) {
				return &templates[i]
			}
		}
	}
	return &templates[0]
}

// FindTemplate looks a template up by name.
func FindTemplate(templates []Template, name string) (*Template, bool) {
	for i := range templates {
		if templates[i].Name == name {
			return &templates[i], true
		}
	}
	return nil, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// thousands formats n with comma separators.
func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
