package guard

import (
	"fmt"
	"strings"
)

// SafetyViolationError is returned for statements that must never run.
// They are not worth retrying with the same intent.
type SafetyViolationError struct {
	Keyword string
	Reason  string
}

func (e *SafetyViolationError) Error() string {
	if e.Keyword != "" {
		return fmt.Sprintf("Dangerous keyword '%s' not allowed", e.Keyword)
	}
	return e.Reason
}

// SchemaViolationError is returned when a statement reads from outside the
// allowed views or references a column the engine cannot resolve.
type SchemaViolationError struct {
	AllowedViews []string
	Column       string
	Suggestion   string
}

func (e *SchemaViolationError) Error() string {
	if e.Column != "" {
		if e.Suggestion != "" {
			return fmt.Sprintf("Column '%s' not found. Use '%s' instead.", e.Column, e.Suggestion)
		}
		return fmt.Sprintf("Column '%s' not found", e.Column)
	}
	return fmt.Sprintf("Query must use one of the allowed views: %s", strings.Join(e.AllowedViews, ", "))
}
