// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package analysis

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ccddrone/ccdanalyze/internal/mixture"
)

// Size of spectrum plots
const (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// Counts below this floor are clipped on the logarithmic y axis
const plotFloor = 0.5

// Minimum expected pixels for a single electron peak to get its own curve
const minComponentPixels = 1

// Curve samples per histogram bin
const curveOversampling = 4

var errNoHistogram = errors.New("report has no histogram")

// Builds the spectrum plot for a report: the pixel histogram, the fitted
// mixture model, and one curve per electron peak of the model. The y axis is
// logarithmic, and the x axis spans from the lower third of the histogram
// range to its upper edge.
func NewPlot(r *Report) (*plot.Plot, error) {
	h := r.hist
	if h == nil || h.Len() == 0 {
		return nil, errNoHistogram
	}

	p := plot.New()
	p.Title.Text = "Image spectrum"
	if r.FileName != "" {
		p.Title.Text = "Image spectrum of " + r.FileName
	}
	p.X.Label.Text = "Pixel value [ADU]"
	p.Y.Label.Text = "Pixels"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.BackgroundColor = color.White

	// histogram as a step line over the bin edges
	counts := make(plotter.XYs, h.Len()+1)
	for i, c := range h.Counts {
		counts[i] = plotter.XY{X: h.Edges[i], Y: math.Max(c, plotFloor)}
	}
	counts[h.Len()] = plotter.XY{X: h.Edges[h.Len()], Y: counts[h.Len()-1].Y}
	data, err := plotter.NewLine(counts)
	if err != nil {
		return nil, err
	}
	data.StepStyle = plotter.PostStep
	data.Color = color.Black
	p.Add(data)
	p.Legend.Add("Data", data)

	if r.Fit.OK() {
		if err := addFitCurves(p, r); err != nil {
			return nil, err
		}
	}

	p.X.Min = h.Edges[len(h.Edges)/3]
	p.X.Max = h.Edges[len(h.Edges)-1]
	p.Y.Min = plotFloor
	p.Y.Max = math.Max(p.Y.Max, 2*plotFloor)
	p.Legend.Top = true
	return p, nil
}

// Adds the model density and its per electron components
func addFitCurves(p *plot.Plot, r *Report) error {
	h, params := r.hist, r.Fit.Params
	n := h.Len() * curveOversampling
	xs := make([]float64, n+1)
	lo, hi := h.Edges[0], h.Edges[len(h.Edges)-1]
	for i := range xs {
		xs[i] = lo + (hi-lo)*float64(i)/float64(n)
	}

	ys := mixture.DensityAll(nil, xs, params)
	model, err := plotter.NewLine(clipped(xs, ys))
	if err != nil {
		return err
	}
	model.Color = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	model.Width = vg.Points(1.5)
	p.Add(model)
	p.Legend.Add(fmt.Sprintf("Fit σ=%.3g λ=%.3g ADU=%.3g", params.Sigma, params.Lambda, params.ADU), model)

	terms := params.Terms
	if terms <= 0 {
		terms = mixture.DefaultTerms
	}
	weights := mixture.Weights(params.Lambda, terms)
	for k, w := range weights {
		if w*params.N < minComponentPixels {
			continue
		}
		peak := distuv.Normal{Mu: params.Offset + params.ADU*float64(k), Sigma: math.Abs(params.Sigma)}
		for i, x := range xs {
			ys[i] = params.N * w * peak.Prob(x)
		}
		line, err := plotter.NewLine(clipped(xs, ys))
		if err != nil {
			return err
		}
		line.Color = peakColor(k, len(weights))
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%d e⁻", k), line)
	}
	return nil
}

// Returns points with y values clipped to the plot floor
func clipped(xs, ys []float64) plotter.XYs {
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i] = plotter.XY{X: xs[i], Y: math.Max(ys[i], plotFloor)}
	}
	return pts
}

// Distinct colors for the electron peaks, evenly spaced in hue
func peakColor(k, n int) color.Color {
	hue := 360 * float64(k) / float64(n+1)
	return colorful.Hcl(hue, 0.6, 0.55).Clamped()
}

// Saves the spectrum plot of the report to a file. The format follows the
// file name suffix, e.g. .png, .svg or .pdf
func SavePlot(fileName string, r *Report) error {
	p, err := NewPlot(r)
	if err != nil {
		return err
	}
	return p.Save(PlotWidth, PlotHeight, fileName)
}

// Writes the spectrum plot of the report in the given format, e.g. "png"
func WritePlot(w io.Writer, r *Report, format string) error {
	p, err := NewPlot(r)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(PlotWidth, PlotHeight, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
