package chartspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errUnparseable = errors.New("Failed to parse JSON response from LLM")
	errEmpty       = errors.New("No chart spec found in LLM response")
	errNotObject   = errors.New("Chart spec must be a dictionary")
)

var wrappingArtifacts = []string{
	"```json",
	"```",
	"Here is the JSON response:",
	"Here is the response:",
}

// Parse decodes a chart specification from a generation response. The
// response may be the spec itself or wrapped as {"chart": {...}}. When the
// response is not JSON as-is, wrapping artifacts are stripped and the
// outermost object is parsed once more.
func Parse(response string) (*Spec, error) {
	parsed, ok := decode(response)
	if !ok {
		trimmed := response
		start := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if start != -1 && end > start {
			trimmed = response[start : end+1]
		}
		for _, artifact := range wrappingArtifacts {
			trimmed = strings.ReplaceAll(trimmed, artifact, "")
		}
		if parsed, ok = decode(trimmed); !ok {
			return nil, errUnparseable
		}
	}

	obj, isObject := parsed.(map[string]any)
	if !isObject {
		if parsed == nil {
			return nil, errEmpty
		}
		return nil, errNotObject
	}

	var chart any = obj
	if inner, found := obj["chart"]; found {
		chart = inner
	}
	if isEmpty(chart) {
		return nil, errEmpty
	}
	if _, isObject := chart.(map[string]any); !isObject {
		return nil, errNotObject
	}

	data, err := json.Marshal(chart)
	if err != nil {
		return nil, errUnparseable
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("Invalid chart spec: %v", err)
	}
	spec.Type = Type(strings.ToLower(strings.TrimSpace(string(spec.Type))))
	if spec.Type == "" {
		spec.Type = TypeBar
	}
	return &spec, nil
}

func decode(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return nil, false
	}
	return v, true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case bool:
		return !t
	}
	return false
}

// Validate checks spec against the full result's columns.
func Validate(spec *Spec, columns []string) error {
	if spec == nil {
		return errEmpty
	}
	if spec.X.Col == "" || spec.Y.Col == "" {
		return fmt.Errorf("Missing required columns: x=%s, y=%s", orNone(spec.X.Col), orNone(spec.Y.Col))
	}
	if !spec.Type.Valid() {
		return fmt.Errorf("Unsupported chart type '%s'. Use one of: %s", spec.Type, typeList())
	}

	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[c] = struct{}{}
	}
	available := availableList(columns)
	for _, col := range []string{spec.X.Col, spec.Y.Col} {
		if _, ok := have[col]; !ok {
			return fmt.Errorf("Column '%s' not found. Available: %s", col, available)
		}
	}
	if spec.Series != "" {
		if _, ok := have[string(spec.Series)]; !ok {
			return fmt.Errorf("Series column '%s' not found. Available: %s", spec.Series, available)
		}
	}
	if spec.HasTopK() {
		if _, ok := have[string(spec.TopK.Col)]; !ok {
			return fmt.Errorf("Top-k column '%s' not found. Available: %s", spec.TopK.Col, available)
		}
		if spec.TopK.K < 0 {
			return fmt.Errorf("Top-k k must be positive, got %d", spec.TopK.K)
		}
		if o := spec.TopK.Order; o != "" && o != OrderAsc && o != OrderDesc {
			return fmt.Errorf("Top-k order must be 'asc' or 'desc', got '%s'", o)
		}
	}
	if !spec.X.DType.Valid() {
		return fmt.Errorf("Unsupported x dtype '%s'. Use datetime, category or number", spec.X.DType)
	}
	if !spec.Y.DType.Valid() {
		return fmt.Errorf("Unsupported y dtype '%s'. Use datetime, category or number", spec.Y.DType)
	}
	if o := spec.Orientation; o != "" && o != OrientationVertical && o != OrientationHorizontal {
		return fmt.Errorf("Orientation must be 'vertical' or 'horizontal', got '%s'", o)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func typeList() string {
	names := make([]string, len(Types))
	for i, t := range Types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func availableList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "'" + c + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
