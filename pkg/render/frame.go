package render

import (
	"sort"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
)

// point is one plottable row after normalization.
type point struct {
	x      float64
	xTime  time.Time
	xLabel string
	y      float64
	series string
}

// ApplyTopK keeps the rows whose top-k group is among the k best ranked
// groups. Without a series column the result is collapsed to one row per
// group, in ranked order, with the y and ranking columns summed. rows is not
// modified.
func ApplyTopK(rows []engine.Row, columns []string, spec *chartspec.Spec) []engine.Row {
	if !spec.HasTopK() {
		return rows
	}
	col := string(spec.TopK.Col)
	by := rankingColumn(columns, spec)
	k := spec.TopK.K
	if k <= 0 {
		k = chartspec.DefaultTopK
	}

	var keys []string
	sums := make(map[string]float64)
	first := make(map[string]engine.Row)
	for _, row := range rows {
		key := label(row[col])
		if _, ok := first[key]; !ok {
			keys = append(keys, key)
			first[key] = row
		}
		if v, ok := toFloat(row[by]); ok {
			sums[key] += v
		}
	}

	asc := spec.TopK.Order == chartspec.OrderAsc
	sort.SliceStable(keys, func(i, j int) bool {
		if asc {
			return sums[keys[i]] < sums[keys[j]]
		}
		return sums[keys[i]] > sums[keys[j]]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	keep := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keep[key] = struct{}{}
	}

	if spec.Series == "" {
		ySums := make(map[string]float64, len(keys))
		for _, row := range rows {
			key := label(row[col])
			if _, ok := keep[key]; !ok {
				continue
			}
			if v, ok := toFloat(row[spec.Y.Col]); ok {
				ySums[key] += v
			}
		}
		out := make([]engine.Row, 0, len(keys))
		for _, key := range keys {
			collapsed := make(engine.Row, len(first[key]))
			for c, v := range first[key] {
				collapsed[c] = v
			}
			collapsed[spec.Y.Col] = ySums[key]
			if by != spec.Y.Col {
				collapsed[by] = sums[key]
			}
			out = append(out, collapsed)
		}
		return out
	}

	out := make([]engine.Row, 0, len(rows))
	for _, row := range rows {
		if _, ok := keep[label(row[col])]; ok {
			out = append(out, row)
		}
	}
	return out
}

// rankingColumn resolves top_k.by. The literal "y" and "x" refer to the axis
// columns unless a result column has that name.
func rankingColumn(columns []string, spec *chartspec.Spec) string {
	by := spec.TopK.By
	has := func(name string) bool {
		for _, c := range columns {
			if c == name {
				return true
			}
		}
		return false
	}
	switch {
	case by != "" && has(by):
		return by
	case by == "x":
		return spec.X.Col
	}
	return spec.Y.Col
}

// inferDType picks an x kind for a spec that left it empty.
func inferDType(rows []engine.Row, col string) chartspec.DType {
	for _, row := range rows {
		v := row[col]
		switch t := v.(type) {
		case nil:
			continue
		case time.Time:
			return chartspec.DTypeDatetime
		case string:
			if _, ok := decodeNative(t, row); ok {
				return chartspec.DTypeDatetime
			}
			if _, ok := toFloat(t); ok {
				return chartspec.DTypeNumber
			}
			return chartspec.DTypeCategory
		default:
			if _, ok := toFloat(t); ok {
				return chartspec.DTypeNumber
			}
			return chartspec.DTypeCategory
		}
	}
	return chartspec.DTypeCategory
}

// normalize coerces x according to kind and y to a number. Rows where either
// coercion fails are dropped.
func (r *Renderer) normalize(rows []engine.Row, spec *chartspec.Spec, kind chartspec.DType) []point {
	pts := make([]point, 0, len(rows))
	for _, row := range rows {
		y, ok := toFloat(row[spec.Y.Col])
		if !ok {
			continue
		}
		p := point{y: y}
		if spec.Series != "" {
			p.series = label(row[string(spec.Series)])
		}

		raw := row[spec.X.Col]
		switch kind {
		case chartspec.DTypeNumber:
			x, ok := toFloat(raw)
			if !ok {
				continue
			}
			p.x = x
			p.xLabel = label(raw)
		case chartspec.DTypeDatetime:
			t, ok := DecodeDate(raw, row, r.cfg.ValidFrom, r.cfg.ValidTo)
			if !ok {
				continue
			}
			p.xTime = t
			p.x = float64(t.Unix())
			p.xLabel = label(t)
		default:
			p.xLabel = label(raw)
		}
		pts = append(pts, p)
	}
	return pts
}

// sortPoints applies the declared ascending sorts, x first and then y.
func sortPoints(pts []point, spec *chartspec.Spec, kind chartspec.DType) {
	if spec.X.Sort {
		sort.SliceStable(pts, func(i, j int) bool {
			if kind == chartspec.DTypeCategory {
				return pts[i].xLabel < pts[j].xLabel
			}
			return pts[i].x < pts[j].x
		})
	}
	if spec.Y.Sort {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].y < pts[j].y })
	}
}

// orderedLabels returns the distinct values of get in first-appearance order.
func orderedLabels(pts []point, get func(point) string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range pts {
		l := get(p)
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func timeSpan(pts []point) time.Duration {
	var lo, hi time.Time
	for i, p := range pts {
		if i == 0 || p.xTime.Before(lo) {
			lo = p.xTime
		}
		if i == 0 || p.xTime.After(hi) {
			hi = p.xTime
		}
	}
	return hi.Sub(lo)
}

// TickFormat returns the datetime tick layout for data covering span.
func TickFormat(span time.Duration) string {
	switch {
	case span > 365*24*time.Hour:
		return "2006-01"
	case span > 31*24*time.Hour:
		return "2006-01-02"
	}
	return "2006-01-02 15:04"
}
