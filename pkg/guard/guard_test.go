package guard

import (
	"errors"
	"testing"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuardrail(t *testing.T) *Guardrail {
	t.Helper()
	g, err := New(Config{Catalog: catalog.Default()})
	require.NoError(t, err)
	return g
}

func TestTaxi_Guard_New(t *testing.T) {
	t.Parallel()

	t.Run("requires catalog", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "catalog is required")
	})

	t.Run("rejects negative limit", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Catalog: catalog.Default(), DefaultLimit: -1})
		require.Error(t, err)
	})

	t.Run("applies default limit", func(t *testing.T) {
		t.Parallel()
		g := testGuardrail(t)
		require.Equal(t, defaultLimit, g.cfg.DefaultLimit)
	})
}

func TestTaxi_Guard_Enforce(t *testing.T) {
	t.Parallel()

	g := testGuardrail(t)

	tests := []struct {
		name       string
		sql        string
		want       string
		wantSafety bool
		wantSchema bool
		keyword    string
	}{
		{
			name: "appends default limit to plain select",
			sql:  "SELECT pickup_datetime FROM fhv_with_company;",
			want: "SELECT pickup_datetime FROM fhv_with_company LIMIT 10000",
		},
		{
			name: "keeps explicit limit",
			sql:  "select company from fhv_with_company limit 5",
			want: "select company from fhv_with_company limit 5",
		},
		{
			name: "aggregation without limit is left unbounded",
			sql:  "SELECT company, COUNT(*) AS trips FROM fhv_with_company GROUP BY company",
			want: "SELECT company, COUNT(*) AS trips FROM fhv_with_company GROUP BY company",
		},
		{
			name: "with clause is a read query",
			sql:  "WITH t AS (SELECT * FROM fhv_clean) SELECT * FROM t LIMIT 3",
			want: "WITH t AS (SELECT * FROM fhv_clean) SELECT * FROM t LIMIT 3",
		},
		{
			name:       "denied keyword",
			sql:        "DROP TABLE fhv_raw",
			wantSafety: true,
			keyword:    "DROP",
		},
		{
			name:       "denied keyword is case insensitive",
			sql:        "SELECT * FROM fhv_with_company; delete from taxi_zones",
			wantSafety: true,
			keyword:    "DELETE",
		},
		{
			name:       "stacked statements",
			sql:        "SELECT 1 FROM fhv_raw; SELECT 2 FROM fhv_raw",
			wantSafety: true,
		},
		{
			name:       "non read statement",
			sql:        "COPY fhv_raw TO 'out.csv'",
			wantSafety: true,
		},
		{
			name:       "unknown view",
			sql:        "SELECT * FROM trips",
			wantSchema: true,
		},
		{
			name: "keyword inside literal is ignored",
			sql:  "SELECT * FROM fhv_with_company WHERE base_name = 'DROP OFF LLC' LIMIT 1",
			want: "SELECT * FROM fhv_with_company WHERE base_name = 'DROP OFF LLC' LIMIT 1",
		},
		{
			name: "keyword as part of identifier is ignored",
			sql:  "SELECT created_at_bucket FROM fhv_with_company LIMIT 1",
			want: "SELECT created_at_bucket FROM fhv_with_company LIMIT 1",
		},
		{
			name: "trailing line comment is dropped before the limit",
			sql:  "SELECT * FROM fhv_with_company -- every trip",
			want: "SELECT * FROM fhv_with_company LIMIT 10000",
		},
		{
			name: "semicolon followed by comment",
			sql:  "SELECT * FROM fhv_with_company; -- done\n",
			want: "SELECT * FROM fhv_with_company LIMIT 10000",
		},
		{
			name: "trailing block comment",
			sql:  "SELECT * FROM fhv_with_company /* all rows */",
			want: "SELECT * FROM fhv_with_company LIMIT 10000",
		},
		{
			name: "inner comment is kept",
			sql:  "SELECT * -- columns\nFROM fhv_with_company",
			want: "SELECT * -- columns\nFROM fhv_with_company LIMIT 10000",
		},
		{
			name: "comment marker inside literal is not a comment",
			sql:  "SELECT * FROM fhv_with_company WHERE base_name = 'A--B'",
			want: "SELECT * FROM fhv_with_company WHERE base_name = 'A--B' LIMIT 10000",
		},
		{
			name:       "empty",
			sql:        "  ; ",
			wantSafety: true,
		},
		{
			name:       "only a comment",
			sql:        "-- nothing here",
			wantSafety: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := g.Enforce(tt.sql)
			switch {
			case tt.wantSafety:
				var safety *SafetyViolationError
				require.ErrorAs(t, err, &safety)
				if tt.keyword != "" {
					require.Equal(t, tt.keyword, safety.Keyword)
					require.Equal(t, "Dangerous keyword '"+tt.keyword+"' not allowed", err.Error())
				}
			case tt.wantSchema:
				var schema *SchemaViolationError
				require.ErrorAs(t, err, &schema)
				require.Contains(t, err.Error(), "Query must use one of the allowed views: fhv_with_company")
			default:
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			}
		})
	}
}

// Accepted statements never carry a denied keyword, always name an allowed
// view and are bounded by a LIMIT unless they aggregate.
func TestTaxi_Guard_Enforce_AcceptedStatementsAreBounded(t *testing.T) {
	t.Parallel()

	g := testGuardrail(t)
	inputs := []string{
		"SELECT * FROM fhv_with_company",
		"SELECT * FROM fhv_with_zones WHERE pickup_borough = 'Queens'",
		"SELECT * FROM taxi_zones LIMIT 3",
		"SELECT company, COUNT(*) FROM fhv_with_company GROUP BY company LIMIT 10",
		"UPDATE fhv_raw SET trip_miles = 0",
		"SELECT * FROM other",
		"SELECT * FROM fhv_with_company -- every trip",
		"SELECT pickup_zone FROM fhv_with_zones /* zones */ ;",
	}
	for _, in := range inputs {
		out, err := g.Enforce(in)
		if err != nil {
			continue
		}
		assert.True(t, HasLimit(out) || HasGroupBy(out), out)
		var sawView bool
		for _, tok := range identifierRe.FindAllString(Scrub(out), -1) {
			assert.False(t, g.cfg.Catalog.IsDeniedKeyword(tok), out)
			sawView = sawView || g.cfg.Catalog.IsAllowedView(tok)
		}
		assert.True(t, sawView, out)
	}
}

func TestTaxi_Guard_ProbeSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{name: "append", sql: "SELECT * FROM fhv_raw;", want: "SELECT * FROM fhv_raw LIMIT 0"},
		{name: "replace", sql: "SELECT * FROM fhv_raw LIMIT 500", want: "SELECT * FROM fhv_raw LIMIT 0"},
		{name: "replace lowercase", sql: "select * from fhv_raw limit   20", want: "select * from fhv_raw LIMIT 0"},
		{name: "trailing comment", sql: "SELECT * FROM fhv_raw -- every trip", want: "SELECT * FROM fhv_raw LIMIT 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ProbeSQL(tt.sql)
			require.Equal(t, tt.want, got)
			require.True(t, HasLimit(got), got)
		})
	}
}

func TestTaxi_Guard_Errors(t *testing.T) {
	t.Parallel()

	err := error(&SchemaViolationError{Column: "start_time", Suggestion: "pickup_datetime"})
	require.Equal(t, "Column 'start_time' not found. Use 'pickup_datetime' instead.", err.Error())

	err = &SchemaViolationError{Column: "fare"}
	require.Equal(t, "Column 'fare' not found", err.Error())

	wrapped := errors.Join(errors.New("context"), &SafetyViolationError{Reason: "Only SELECT queries are allowed"})
	var safety *SafetyViolationError
	require.ErrorAs(t, wrapped, &safety)
	require.Equal(t, "Only SELECT queries are allowed", safety.Error())
}
