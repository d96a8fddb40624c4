package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaxi_SQLGen_ExtractSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     string
	}{
		{name: "bare statement", response: "SELECT 1 FROM fhv_with_company;", want: "SELECT 1 FROM fhv_with_company"},
		{name: "json", response: `{"sql": "SELECT company FROM fhv_with_company LIMIT 5;", "explanation": "x"}`, want: "SELECT company FROM fhv_with_company LIMIT 5"},
		{name: "sql fence", response: "Sure!\n```sql\nSELECT 2\nFROM fhv_raw\n```\nThis counts.", want: "SELECT 2\nFROM fhv_raw"},
		{name: "generic fence", response: "```\nWITH t AS (SELECT 1) SELECT * FROM t\n```", want: "WITH t AS (SELECT 1) SELECT * FROM t"},
		{name: "answer preamble", response: "Here is the answer: SELECT 3 FROM fhv_clean", want: "SELECT 3 FROM fhv_clean"},
		{name: "response preamble", response: "Here is the response:\nSELECT 4 FROM fhv_clean;;", want: "SELECT 4 FROM fhv_clean"},
		{name: "corrected preamble", response: "Here's the corrected SQL query:\n\nSELECT 5 FROM fhv_clean", want: "SELECT 5 FROM fhv_clean"},
		{name: "unrecognized prose", response: "To answer this we can run SELECT 6 FROM fhv_clean", want: "SELECT 6 FROM fhv_clean"},
		{name: "mutating statement is passed through for the guard", response: "DROP TABLE fhv_raw", want: "DROP TABLE fhv_raw"},
		{name: "nothing", response: "I am not sure.", want: ""},
		{name: "empty", response: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ExtractSQL(tt.response))
		})
	}
}
