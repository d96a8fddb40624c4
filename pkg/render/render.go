// Package render draws an accepted chart specification over a result set
// into a raster image.
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oowenn/NYC-Taxi-Analysis/pkg/chartspec"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/engine"
	"github.com/oowenn/NYC-Taxi-Analysis/pkg/metrics"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

// ErrNoChart is returned for the "none" chart type. No file is written.
var ErrNoChart = errors.New("chart type is none")

// RenderError reports a spec that could not be drawn over the data.
type RenderError struct {
	Reason string
}

func (e *RenderError) Error() string {
	return e.Reason
}

func renderErrorf(format string, args ...any) *RenderError {
	return &RenderError{Reason: fmt.Sprintf(format, args...)}
}

var (
	defaultValidFrom = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	defaultValidTo   = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

type Config struct {
	Logger *slog.Logger

	// ValidFrom and ValidTo bound the dates the datetime decoders accept.
	ValidFrom time.Time
	ValidTo   time.Time

	Width  vg.Length
	Height vg.Length
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ValidFrom.IsZero() {
		cfg.ValidFrom = defaultValidFrom
	}
	if cfg.ValidTo.IsZero() {
		cfg.ValidTo = defaultValidTo
	}
	if !cfg.ValidFrom.Before(cfg.ValidTo) {
		return errors.New("valid date range is empty")
	}
	if cfg.Width <= 0 {
		cfg.Width = 12 * vg.Inch
	}
	if cfg.Height <= 0 {
		cfg.Height = 6 * vg.Inch
	}
	return nil
}

type Renderer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate render config: %w", err)
	}
	return &Renderer{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Render draws spec over rs and saves the image to path. The format follows
// the path's extension.
func (r *Renderer) Render(rs *engine.ResultSet, spec *chartspec.Spec, path string) error {
	start := time.Now()
	p, err := r.Plot(rs, spec)
	if err != nil {
		return err
	}
	if err := p.Save(r.cfg.Width, r.cfg.Height, path); err != nil {
		return fmt.Errorf("failed to save chart: %w", err)
	}
	metrics.RenderDuration.WithLabelValues(string(spec.Type)).Observe(time.Since(start).Seconds())
	r.log.Debug("render: chart saved", "type", spec.Type, "path", path, "duration", time.Since(start))
	return nil
}

// Plot builds the chart without writing it anywhere.
func (r *Renderer) Plot(rs *engine.ResultSet, spec *chartspec.Spec) (*plot.Plot, error) {
	if spec == nil {
		return nil, renderErrorf("no chart spec")
	}
	if spec.Type == chartspec.TypeNone {
		return nil, ErrNoChart
	}
	if spec.X.Col == "" || spec.Y.Col == "" {
		return nil, renderErrorf("Missing required columns: x=%s, y=%s", spec.X.Col, spec.Y.Col)
	}
	for _, col := range []string{spec.X.Col, spec.Y.Col} {
		if !rs.HasColumn(col) {
			return nil, renderErrorf("Column '%s' not found in result. Available: %s", col, strings.Join(rs.Columns, ", "))
		}
	}
	if spec.Type == chartspec.TypeHeatmap && (spec.Series == "" || !rs.HasColumn(string(spec.Series))) {
		return nil, renderErrorf("Heatmap requires a series column")
	}

	// Series columns missing from the result are ignored.
	work := *spec
	if work.Series != "" && !rs.HasColumn(string(work.Series)) {
		work.Series = ""
	}
	if work.HasTopK() && !rs.HasColumn(string(work.TopK.Col)) {
		work.TopK = nil
	}

	rows := ApplyTopK(rs.Rows, rs.Columns, &work)
	if limit := work.MaxPoints(); len(rows) > limit {
		rows = rows[:limit]
	}

	kind := work.X.DType
	if kind == "" {
		kind = inferDType(rows, work.X.Col)
	}
	pts := r.normalize(rows, &work, kind)
	if len(pts) == 0 {
		return nil, renderErrorf("No usable data to plot for x=%s (%s), y=%s", work.X.Col, kind, work.Y.Col)
	}
	sortPoints(pts, &work, kind)

	p := plot.New()
	p.Title.Text = work.Title

	var err error
	switch work.Type {
	case chartspec.TypeBar:
		err = drawBar(p, pts, &work, kind)
	case chartspec.TypeLine:
		err = drawLine(p, pts, &work, kind)
	case chartspec.TypeScatter:
		err = drawScatter(p, pts, &work, kind)
	case chartspec.TypeHist:
		err = drawHist(p, pts, &work)
	case chartspec.TypeBox:
		err = drawBox(p, pts, &work)
	case chartspec.TypeHeatmap:
		err = drawHeatmap(p, pts, &work, kind)
	default:
		return nil, renderErrorf("Unsupported chart type '%s'", work.Type)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
