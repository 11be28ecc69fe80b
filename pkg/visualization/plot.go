package visualization

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Curve is one named time course of a figure
type Curve struct {
	Name   string
	Values []float64

	// Dashed draws model fits distinctly from measured curves
	Dashed bool
}

// PlotCurves draws curves against timeline (seconds) and saves the figure.
// The format follows the extension of path (png, svg, pdf).
func PlotCurves(path, title string, timeline []float64, curves ...Curve) error {
	if len(curves) == 0 {
		return fmt.Errorf("no curves to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Concentration"
	p.Add(plotter.NewGrid())

	for i, c := range curves {
		if len(c.Values) != len(timeline) {
			return fmt.Errorf("curve %q has %d samples for %d time points", c.Name, len(c.Values), len(timeline))
		}
		pts := make(plotter.XYs, len(timeline))
		for j := range timeline {
			pts[j].X = timeline[j]
			pts[j].Y = c.Values[j]
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("curve %q: %w", c.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		if c.Dashed {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(c.Name, line)
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
