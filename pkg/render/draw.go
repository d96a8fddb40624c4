package render

import (
	"math"
	"sort"
	"strconv"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	maxHistBins = 50
	heatColors  = 12
)

func axisLabels(p *plot.Plot, spec *chartspec.Spec) {
	p.X.Label.Text = spec.X.Col
	p.Y.Label.Text = spec.Y.Col
	p.Add(plotter.NewGrid())
}

func rotateXTicks(p *plot.Plot) {
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = text.XRight
	p.X.Tick.Label.YAlign = text.YCenter
}

// xAxis configures tick marks for the x kind and returns the position of
// each point along x. Category values are placed at their first-appearance
// index.
func xAxis(p *plot.Plot, pts []point, kind chartspec.DType) []float64 {
	xs := make([]float64, len(pts))
	switch kind {
	case chartspec.DTypeCategory:
		labels := orderedLabels(pts, func(pt point) string { return pt.xLabel })
		index := make(map[string]int, len(labels))
		for i, l := range labels {
			index[l] = i
		}
		for i, pt := range pts {
			xs[i] = float64(index[pt.xLabel])
		}
		p.NominalX(labels...)
		rotateXTicks(p)
	case chartspec.DTypeDatetime:
		p.X.Tick.Marker = plot.TimeTicks{Format: TickFormat(timeSpan(pts))}
		rotateXTicks(p)
		fallthrough
	default:
		for i, pt := range pts {
			xs[i] = pt.x
		}
	}
	return xs
}

// displayLabels formats the category keys of a bar or heatmap axis.
func displayLabels(pts []point, keys []string, kind chartspec.DType) []string {
	if kind != chartspec.DTypeDatetime {
		return keys
	}
	layout := TickFormat(timeSpan(pts))
	byKey := make(map[string]string, len(keys))
	for _, pt := range pts {
		if _, ok := byKey[pt.xLabel]; !ok {
			byKey[pt.xLabel] = pt.xTime.Format(layout)
		}
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

func barWidth(groups, series int) vg.Length {
	w := 480 / float64(groups*series)
	return vg.Points(math.Max(2, math.Min(24, w)))
}

// pivot sums y over x by series. Keys keep first-appearance order.
func pivot(pts []point) (xs, series []string, sums map[string]map[string]float64) {
	xs = orderedLabels(pts, func(pt point) string { return pt.xLabel })
	series = orderedLabels(pts, func(pt point) string { return pt.series })
	sums = make(map[string]map[string]float64, len(series))
	for _, s := range series {
		sums[s] = make(map[string]float64, len(xs))
	}
	for _, pt := range pts {
		sums[pt.series][pt.xLabel] += pt.y
	}
	return xs, series, sums
}

func drawBar(p *plot.Plot, pts []point, spec *chartspec.Spec, kind chartspec.DType) error {
	xs, series, sums := pivot(pts)

	// Ranking bars over categories read highest first unless an order was
	// requested. Time and number bars keep data order.
	if spec.Series == "" && kind == chartspec.DTypeCategory && !spec.X.Sort && !spec.Y.Sort && !spec.HasTopK() {
		only := sums[series[0]]
		sort.SliceStable(xs, func(i, j int) bool { return only[xs[i]] > only[xs[j]] })
	}

	w := barWidth(len(xs), len(series))
	if spec.Stacked {
		w = barWidth(len(xs), 1)
	}
	var prev *plotter.BarChart
	for i, s := range series {
		vals := make(plotter.Values, len(xs))
		for j, x := range xs {
			vals[j] = sums[s][x]
		}
		bars, err := plotter.NewBarChart(vals, w)
		if err != nil {
			return renderErrorf("Failed to build bars: %v", err)
		}
		bars.Color = plotutil.Color(i)
		bars.LineStyle.Width = 0
		bars.Horizontal = spec.Horizontal()
		switch {
		case spec.Stacked && prev != nil:
			bars.StackOn(prev)
		case !spec.Stacked:
			bars.Offset = vg.Length(float64(i)-float64(len(series)-1)/2) * w
		}
		p.Add(bars)
		if spec.Series != "" {
			p.Legend.Add(s, bars)
		}
		prev = bars
	}
	p.Legend.Top = true

	labels := displayLabels(pts, xs, kind)
	if spec.Horizontal() {
		p.NominalY(labels...)
		p.Y.Label.Text = spec.X.Col
		p.X.Label.Text = spec.Y.Col
		p.Add(plotter.NewGrid())
		return nil
	}
	p.NominalX(labels...)
	rotateXTicks(p)
	axisLabels(p, spec)
	return nil
}

// groupBySeries splits points by series, in first-appearance order.
func groupBySeries(pts []point, xs []float64) ([]string, map[string]plotter.XYs) {
	names := orderedLabels(pts, func(pt point) string { return pt.series })
	groups := make(map[string]plotter.XYs, len(names))
	for i, pt := range pts {
		groups[pt.series] = append(groups[pt.series], plotter.XY{X: xs[i], Y: pt.y})
	}
	return names, groups
}

func drawLine(p *plot.Plot, pts []point, spec *chartspec.Spec, kind chartspec.DType) error {
	xs := xAxis(p, pts, kind)
	names, groups := groupBySeries(pts, xs)
	for i, name := range names {
		xys := groups[name]
		sort.SliceStable(xys, func(a, b int) bool { return xys[a].X < xys[b].X })
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return renderErrorf("Failed to build line: %v", err)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = draw.CircleGlyph{}
		p.Add(line, points)
		if spec.Series != "" {
			p.Legend.Add(name, line, points)
		}
	}
	p.Legend.Top = true
	axisLabels(p, spec)
	return nil
}

func drawScatter(p *plot.Plot, pts []point, spec *chartspec.Spec, kind chartspec.DType) error {
	xs := xAxis(p, pts, kind)
	names, groups := groupBySeries(pts, xs)
	for i, name := range names {
		sc, err := plotter.NewScatter(groups[name])
		if err != nil {
			return renderErrorf("Failed to build scatter: %v", err)
		}
		sc.Color = plotutil.Color(i)
		sc.Shape = draw.CircleGlyph{}
		p.Add(sc)
		if spec.Series != "" {
			p.Legend.Add(name, sc)
		}
	}
	p.Legend.Top = true
	axisLabels(p, spec)
	return nil
}

func drawHist(p *plot.Plot, pts []point, spec *chartspec.Spec) error {
	vals := make(plotter.Values, len(pts))
	for i, pt := range pts {
		vals[i] = pt.y
	}
	bins := len(vals)
	if bins > maxHistBins {
		bins = maxHistBins
	}
	h, err := plotter.NewHist(vals, bins)
	if err != nil {
		return renderErrorf("Failed to build histogram: %v", err)
	}
	h.FillColor = plotutil.Color(0)
	p.Add(h)
	p.X.Label.Text = spec.Y.Col
	p.Y.Label.Text = "Frequency"
	p.Add(plotter.NewGrid())
	return nil
}

func drawBox(p *plot.Plot, pts []point, spec *chartspec.Spec) error {
	names := orderedLabels(pts, func(pt point) string { return pt.series })
	groups := make(map[string]plotter.Values, len(names))
	for _, pt := range pts {
		groups[pt.series] = append(groups[pt.series], pt.y)
	}
	w := barWidth(len(names), 1)
	for i, name := range names {
		box, err := plotter.NewBoxPlot(w, float64(i), groups[name])
		if err != nil {
			return renderErrorf("Failed to build box plot: %v", err)
		}
		box.FillColor = plotutil.Color(i)
		p.Add(box)
	}
	if spec.Series != "" {
		p.NominalX(names...)
		p.X.Label.Text = string(spec.Series)
		rotateXTicks(p)
	} else {
		p.NominalX(spec.Y.Col)
	}
	p.Y.Label.Text = spec.Y.Col
	p.Add(plotter.NewGrid())
	return nil
}

// heatGrid holds summed y per (series column, x row).
type heatGrid struct {
	z [][]float64 // [row][col]
}

func (g heatGrid) Dims() (c, r int) {
	if len(g.z) == 0 {
		return 0, 0
	}
	return len(g.z[0]), len(g.z)
}
func (g heatGrid) Z(c, r int) float64 { return g.z[r][c] }
func (g heatGrid) X(c int) float64    { return float64(c) }
func (g heatGrid) Y(r int) float64    { return float64(r) }

func drawHeatmap(p *plot.Plot, pts []point, spec *chartspec.Spec, kind chartspec.DType) error {
	xs, series, sums := pivot(pts)
	grid := heatGrid{z: make([][]float64, len(xs))}
	for r, x := range xs {
		grid.z[r] = make([]float64, len(series))
		for c, s := range series {
			grid.z[r][c] = sums[s][x]
		}
	}

	pal := palette.Heat(heatColors, 1)
	hm := plotter.NewHeatMap(grid, pal)
	if hm.Min == hm.Max {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	addColorScale(p, pal, hm.Min, hm.Max)
	p.NominalX(series...)
	p.NominalY(displayLabels(pts, xs, kind)...)
	rotateXTicks(p)
	p.X.Label.Text = string(spec.Series)
	p.Y.Label.Text = spec.X.Col
	return nil
}

// addColorScale lists the heatmap palette in the legend, highest values
// first, each swatch labelled with the lower bound of its band.
func addColorScale(p *plot.Plot, pal palette.Palette, lo, hi float64) {
	thumbs := plotter.PaletteThumbnailers(pal)
	labels := scaleLabels(lo, hi, len(thumbs))
	for i := len(thumbs) - 1; i >= 0; i-- {
		p.Legend.Add(labels[i], thumbs[i])
	}
	p.Legend.Top = true
	p.Legend.XOffs = vg.Points(-4)
}

func scaleLabels(lo, hi float64, n int) []string {
	out := make([]string, n)
	step := (hi - lo) / float64(n)
	for i := range out {
		out[i] = strconv.FormatFloat(lo+step*float64(i), 'g', 4, 64)
	}
	return out
}
