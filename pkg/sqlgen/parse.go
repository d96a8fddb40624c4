package sqlgen

import (
	"encoding/json"
	"regexp"
	"strings"
)

// leadingProse matches the preambles models put in front of an answer.
var leadingProse = regexp.MustCompile(`(?i)^\s*(here is|here's) (the|your)? ?(answer|response|sql|query|corrected sql|corrected query)[^:\n]*:\s*`)

type generateResponse struct {
	SQL string `json:"sql"`
}

// ExtractSQL pulls a statement out of a free-form response. It returns the
// empty string when nothing usable was found.
func ExtractSQL(response string) string {
	response = strings.TrimSpace(response)
	if response == "" {
		return ""
	}

	if jsonStr := extractJSON(response); jsonStr != "" {
		var parsed generateResponse
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.SQL != "" {
			return cleanSQL(parsed.SQL)
		}
	}

	if sql := extractSQLFromCodeBlocks(response); sql != "" {
		return sql
	}

	stripped := leadingProse.ReplaceAllString(response, "")
	stripped = strings.ReplaceAll(stripped, "```sql", "")
	stripped = strings.ReplaceAll(stripped, "```", "")
	stripped = strings.TrimSpace(stripped)
	if looksLikeSQL(stripped) {
		return cleanSQL(stripped)
	}

	// Prose before the statement without a recognizable preamble.
	if idx := firstSQLKeyword(stripped); idx > 0 {
		return cleanSQL(stripped[idx:])
	}
	return ""
}

// extractJSON returns the outermost object in s, if any.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// extractSQLFromCodeBlocks finds SQL in markdown code blocks.
func extractSQLFromCodeBlocks(response string) string {
	if start := strings.Index(response, "```sql"); start != -1 {
		start += len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return cleanSQL(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if looksLikeSQL(content) {
				return cleanSQL(content)
			}
		}
	}
	return ""
}

var sqlStartRe = regexp.MustCompile(`(?i)\b(SELECT|WITH)\b`)

func firstSQLKeyword(text string) int {
	loc := sqlStartRe.FindStringIndex(text)
	if loc == nil {
		return -1
	}
	return loc[0]
}

// looksLikeSQL checks if text appears to be a SQL query.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "FROM", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL normalizes SQL by trimming whitespace and trailing semicolons.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	for strings.HasSuffix(sql, ";") {
		sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	}
	return sql
}
