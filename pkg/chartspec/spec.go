// Package chartspec turns an executed result set into a validated chart
// specification by prompting the generation service and correcting its
// output until the specification matches the result's columns.
package chartspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

type Type string

const (
	TypeLine    Type = "line"
	TypeBar     Type = "bar"
	TypeScatter Type = "scatter"
	TypeHist    Type = "hist"
	TypeBox     Type = "box"
	TypeHeatmap Type = "heatmap"
	TypeNone    Type = "none"
)

// Types lists every chart type in prompt order.
var Types = []Type{TypeLine, TypeBar, TypeScatter, TypeHist, TypeBox, TypeHeatmap, TypeNone}

func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

type DType string

const (
	DTypeDatetime DType = "datetime"
	DTypeCategory DType = "category"
	DTypeNumber   DType = "number"
)

func (d DType) Valid() bool {
	switch d {
	case "", DTypeDatetime, DTypeCategory, DTypeNumber:
		return true
	}
	return false
}

const (
	OrientationVertical   = "vertical"
	OrientationHorizontal = "horizontal"

	OrderAsc  = "asc"
	OrderDesc = "desc"

	DefaultMaxPoints = 2000
	DefaultTopK      = 10
)

// Axis references a result column. An empty DType is inferred from the data
// at render time.
type Axis struct {
	Col   string `json:"col" jsonschema:"result column plotted on this axis, spelled exactly as in the data"`
	DType DType  `json:"dtype,omitempty" jsonschema:"datetime, category or number"`
	Sort  bool   `json:"sort,omitempty" jsonschema:"sort ascending by this axis before plotting"`
}

// UnmarshalJSON also accepts a bare column name.
func (a *Axis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Axis{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var col string
		if err := json.Unmarshal(data, &col); err != nil {
			return err
		}
		*a = Axis{Col: col}
		return nil
	}
	type plain Axis
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Axis(p)
	return nil
}

// ColumnRef is an optional column name. It decodes from a string, null, or
// an object of the form {"col": "name"}.
type ColumnRef string

func (c *ColumnRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ""
		return nil
	case len(data) > 0 && data[0] == '{':
		var obj struct {
			Col *string `json:"col"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*c = ""
		if obj.Col != nil {
			*c = ColumnRef(*obj.Col)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "null" {
		s = ""
	}
	*c = ColumnRef(s)
	return nil
}

type TopK struct {
	Col   ColumnRef `json:"col" jsonschema:"column whose values are ranked"`
	K     int       `json:"k,omitempty" jsonschema:"number of groups to keep"`
	By    string    `json:"by,omitempty" jsonschema:"column summed to rank the groups, defaults to the y column"`
	Order string    `json:"order,omitempty" jsonschema:"desc keeps the highest groups, asc the lowest"`
}

type Limits struct {
	MaxPoints int `json:"max_points,omitempty" jsonschema:"row ceiling applied before plotting"`
}

// Spec is an accepted chart specification. It is not modified after
// validation.
type Spec struct {
	Type        Type      `json:"type" jsonschema:"chart type"`
	Title       string    `json:"title,omitempty" jsonschema:"descriptive chart title"`
	X           Axis      `json:"x"`
	Y           Axis      `json:"y"`
	Series      ColumnRef `json:"series,omitempty" jsonschema:"optional column used to split the data into series"`
	TopK        *TopK     `json:"top_k,omitempty"`
	Orientation string    `json:"orientation,omitempty" jsonschema:"vertical or horizontal"`
	Stacked     bool      `json:"stacked,omitempty" jsonschema:"stack series bars instead of grouping them"`
	Limits      *Limits   `json:"limits,omitempty"`
}

// Envelope is the response shape requested from the generation service.
type Envelope struct {
	Chart Spec `json:"chart"`
}

// MaxPoints returns the row ceiling for rendering.
func (s *Spec) MaxPoints() int {
	if s.Limits == nil || s.Limits.MaxPoints <= 0 {
		return DefaultMaxPoints
	}
	return s.Limits.MaxPoints
}

// HasTopK reports whether a ranking rule with a target column is present.
func (s *Spec) HasTopK() bool {
	return s.TopK != nil && s.TopK.Col != ""
}

func (s *Spec) Horizontal() bool {
	return s.Orientation == OrientationHorizontal
}

// JSON renders the spec wrapped in its envelope.
func (s *Spec) JSON() string {
	data, err := json.MarshalIndent(Envelope{Chart: *s}, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

var (
	schemaOnce sync.Once
	schemaText string
	schemaErr  error
)

// Schema returns the JSON schema of Envelope, with the enumerations filled in.
func Schema() (string, error) {
	schemaOnce.Do(func() {
		s, err := jsonschema.For[Envelope](nil)
		if err != nil {
			schemaErr = fmt.Errorf("failed to create chart spec schema: %w", err)
			return
		}
		if chart := s.Properties["chart"]; chart != nil {
			if t := chart.Properties["type"]; t != nil {
				for _, v := range Types {
					t.Enum = append(t.Enum, string(v))
				}
			}
			if o := chart.Properties["orientation"]; o != nil {
				o.Enum = []any{OrientationVertical, OrientationHorizontal}
			}
			for _, axis := range []string{"x", "y"} {
				a := chart.Properties[axis]
				if a == nil {
					continue
				}
				if d := a.Properties["dtype"]; d != nil {
					d.Enum = []any{string(DTypeDatetime), string(DTypeCategory), string(DTypeNumber)}
				}
			}
		}
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			schemaErr = fmt.Errorf("failed to marshal chart spec schema: %w", err)
			return
		}
		schemaText = string(data)
	})
	return schemaText, schemaErr
}
