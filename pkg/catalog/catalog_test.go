package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxi_Catalog_Default(t *testing.T) {
	t.Parallel()

	c := Default()

	t.Run("allowed views", func(t *testing.T) {
		t.Parallel()
		for _, v := range []string{"fhv_with_company", "FHV_WITH_ZONES", " fhv_clean ", "fhv_raw", "taxi_zones", "base_lookup"} {
			assert.True(t, c.IsAllowedView(v), v)
		}
		assert.False(t, c.IsAllowedView("hvfhs_lookup"))
		assert.False(t, c.IsAllowedView("information_schema.tables"))
	})

	t.Run("denied keywords", func(t *testing.T) {
		t.Parallel()
		for _, kw := range []string{"drop", "DELETE", "Insert", "update", "alter", "create", "truncate", "grant", "revoke"} {
			assert.True(t, c.IsDeniedKeyword(kw), kw)
		}
		assert.False(t, c.IsDeniedKeyword("SELECT"))
		assert.Len(t, c.DeniedKeywords(), 9)
	})

	t.Run("columns", func(t *testing.T) {
		t.Parallel()
		cols := c.Columns()
		require.Len(t, cols, 17)
		assert.Equal(t, "pickup_datetime", cols[0])
		assert.True(t, c.HasColumn("pulocationid"))
		assert.Equal(t, "fhv_with_company", c.PrimaryView())
	})

	t.Run("windows", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Window{From: "2023-01-01", To: "2023-03-31"}, c.DataWindow())
		assert.Equal(t, Window{From: "2023-01-01", To: "2023-01-03"}, c.DefaultWindow())
	})
}

func TestTaxi_Catalog_Empty(t *testing.T) {
	t.Parallel()

	c := New(Definition{})
	assert.Empty(t, c.Columns())
	assert.False(t, c.IsAllowedView("fhv_with_company"))
	assert.False(t, c.IsDeniedKeyword("DROP"))
	_, ok := c.SuggestColumn("start_time")
	assert.False(t, ok)
}

func TestTaxi_Catalog_SuggestColumn(t *testing.T) {
	t.Parallel()

	c := Default()
	tests := []struct {
		name   string
		col    string
		want   string
		wantOK bool
	}{
		{name: "alias start_time", col: "start_time", want: "pickup_datetime", wantOK: true},
		{name: "alias end_time upper", col: "END_TIME", want: "dropoff_datetime", wantOK: true},
		{name: "heuristic pickup date", col: "pickup_date", want: "pickup_datetime", wantOK: true},
		{name: "heuristic dropoff timestamp", col: "dropoff_timestamp", want: "dropoff_datetime", wantOK: true},
		{name: "time without direction", col: "timestamp", wantOK: false},
		{name: "not a time column", col: "fare", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := c.SuggestColumn(tt.col)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTaxi_Catalog_Parse(t *testing.T) {
	t.Parallel()

	t.Run("custom definition", func(t *testing.T) {
		t.Parallel()
		c, err := Parse([]byte(`
primary_view: trips
views: [{name: trips}]
columns: [{name: ts, type: TIMESTAMP}]
denied_keywords: [DROP]
`))
		require.NoError(t, err)
		assert.True(t, c.IsAllowedView("TRIPS"))
		assert.Equal(t, []string{"ts"}, c.Columns())
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("views: [unterminated"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to parse catalog definition")
	})
}

func TestTaxi_Catalog_Describe(t *testing.T) {
	t.Parallel()

	desc := Default().Describe()
	assert.True(t, strings.HasPrefix(desc, "View: fhv_with_company\n"))
	assert.Contains(t, desc, "- pickup_datetime (TIMESTAMP): Trip pickup time. Default time field.")
	assert.Contains(t, desc, "- pickup_zone (VARCHAR)\n")
	assert.Contains(t, desc, "Data covers 2023-01-01..2023-03-31.")
}

func TestTaxi_Catalog_Setup(t *testing.T) {
	t.Parallel()

	stmts := Setup(SetupConfig{DataDir: "/data/o'hare"})
	require.Len(t, stmts, 7)
	assert.Contains(t, stmts[0], "read_csv('/data/o''hare/taxi_zone_lookup.csv'")
	assert.Contains(t, stmts[3], "parquet_scan('/data/o''hare/fhvhv_tripdata_2023-*.parquet')")
	assert.Contains(t, stmts[6], "CREATE OR REPLACE VIEW fhv_with_company")
	assert.Contains(t, stmts[6], "COALESCE(h.company_name, 'Unknown') AS company")
}
