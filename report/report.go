// Package report renders inversion results as PNG plots.
package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
)

const (
	width  = 6 * vg.Inch
	height = 4 * vg.Inch
)

type errorPoints struct {
	plotter.XYs
	plotter.YErrors
}

// PrPlot plots P(r) with its error band sampled on points values of r.
func PrPlot(res *inversion.Result, points int) (*plot.Plot, error) {
	r, p, dp := res.PrCurve(points)
	data := errorPoints{XYs: make(plotter.XYs, len(r)), YErrors: make(plotter.YErrors, len(r))}
	for k := range r {
		data.XYs[k] = plotter.XY{X: r[k], Y: p[k]}
		data.YErrors[k].Low, data.YErrors[k].High = dp[k], dp[k]
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("P(r)  dmax=%g  nterms=%d  alpha=%.3g", res.Config.Dmax, res.Config.NTerms, res.Config.Alpha)
	pl.X.Label.Text = "r"
	pl.Y.Label.Text = "P(r)"

	line, err := plotter.NewLine(data.XYs)
	if err != nil {
		return nil, fmt.Errorf("P(r) line: %w", err)
	}
	bars, err := plotter.NewYErrorBars(data)
	if err != nil {
		return nil, fmt.Errorf("P(r) errors: %w", err)
	}
	bars.Color = color.Gray{Y: 160}
	pl.Add(bars, line, plotter.NewGrid())
	return pl, nil
}

// IqPlot plots the data of ds with error bars against the fitted I(q). The
// intensity axis is logarithmic when every value is positive.
func IqPlot(res *inversion.Result, ds *models.Dataset) (*plot.Plot, error) {
	q, i, sigma := ds.Active()
	if len(q) == 0 {
		return nil, fmt.Errorf("%w: no points in the fit window", models.ErrInvalidData)
	}
	data := errorPoints{XYs: make(plotter.XYs, len(q)), YErrors: make(plotter.YErrors, len(q))}
	fit := make(plotter.XYs, len(q))
	positive := true
	for k := range q {
		data.XYs[k] = plotter.XY{X: q[k], Y: i[k]}
		data.YErrors[k].Low, data.YErrors[k].High = sigma[k], sigma[k]
		fit[k] = plotter.XY{X: q[k], Y: res.IqSmeared(q[k])}
		positive = positive && i[k]-sigma[k] > 0 && fit[k].Y > 0
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("I(q)  chi2/dof=%.3g", res.ChiSquare)
	pl.X.Label.Text = "q"
	pl.Y.Label.Text = "I(q)"
	if positive {
		pl.Y.Scale = plot.LogScale{}
		pl.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	scatter, err := plotter.NewScatter(data.XYs)
	if err != nil {
		return nil, fmt.Errorf("I(q) data: %w", err)
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	bars, err := plotter.NewYErrorBars(data)
	if err != nil {
		return nil, fmt.Errorf("I(q) errors: %w", err)
	}
	if err := plotutil.AddLines(pl, "fit", fit); err != nil {
		return nil, fmt.Errorf("I(q) fit: %w", err)
	}
	pl.Add(scatter, bars)
	pl.Legend.Add("data", scatter)
	pl.Legend.Top = true
	return pl, nil
}

// Save writes p as an image; the format follows the file extension.
func Save(p *plot.Plot, path string) error {
	return p.Save(width, height, path)
}

// WritePNG writes p as PNG to w.
func WritePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
