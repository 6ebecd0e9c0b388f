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

// Package metrics derives image quality figures from pixel histograms and
// mixture model fits.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ccddrone/ccdanalyze/internal/fit"
	"github.com/ccddrone/ccdanalyze/internal/mixture"
	"github.com/ccddrone/ccdanalyze/internal/peaks"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

// Returned when a metric needs a successful mixture fit
var ErrFitFailed = errors.New("mixture fit failed")

// Returned for a parameter the converged fit does not determine, like the ADU
// per electron of an image without dark current
var ErrUndetermined = errors.New("parameter not determined by the fit")

// Returned when a metric needs more frames than the image has
var ErrInsufficientFrames = errors.New("not enough frames")

// A value with its standard error. A negative error means the value is known
// but its error is not, e.g. for a slope through two points.
type ValErr struct {
	Value float64 `json:"value"`
	Err   float64 `json:"err"`
}

// Sentinel for a metric that could not be computed
var Unavailable = ValErr{Value: -1, Err: -1}

// Returns true unless v is the sentinel
func (v ValErr) Available() bool {
	return v != Unavailable
}

// Pretty print value and error, or N/A for the sentinel or an unknown error
func (v ValErr) String() string {
	if !v.Available() {
		return "N/A"
	}
	if !(v.Err >= 0) {
		return fmt.Sprintf("%.2g ± N/A", v.Value)
	}
	return fmt.Sprintf("%.2g ± %.2g", v.Value, v.Err)
}

// Returns the fitted parameter at index i with its error, or the sentinel
func fitParam(r *fit.MixtureResult, i int) (ValErr, error) {
	if !r.OK() {
		return Unavailable, ErrFitFailed
	}
	v := ValErr{Value: r.Params.Vector()[i], Err: r.Errors.Vector()[i]}
	if math.IsNaN(v.Err) {
		return Unavailable, fmt.Errorf("%w: %s", ErrUndetermined, mixture.ParamNames[i])
	}
	return v, nil
}

// Read noise in ADU from the mixture fit
func Noise(r *fit.MixtureResult) (ValErr, error) {
	return fitParam(r, mixture.IndexSigma)
}

// Dark current in electrons per pixel per exposure from the mixture fit
func DarkCurrent(r *fit.MixtureResult) (ValErr, error) {
	return fitParam(r, mixture.IndexLambda)
}

// ADU per electron from the mixture fit
func ADUConversion(r *fit.MixtureResult) (ValErr, error) {
	return fitParam(r, mixture.IndexADU)
}

// Default threshold for the tail ratio, in standard deviations of the noise
const DefaultTailSigma = 4

// Ratio of the observed to the expected number of pixels in the upper tail
// of the distribution. The expected count is N times the normal survival
// function at nsigma; the threshold is the pixel value above which the fitted
// model integrates to that count. Values far above 1 indicate tracks.
// Returns -1 if the fit failed.
func TailRatio(pixels []float64, h *stats.Histogram, r *fit.MixtureResult, nsigma float64) (float64, error) {
	if !r.OK() {
		return -1, ErrFitFailed
	}
	expected := r.Params.N * distuv.UnitNormal.Survival(nsigma)
	if !(expected > 0) {
		return -1, fmt.Errorf("expected tail count %g for N=%g", expected, r.Params.N)
	}

	threshold := tailThreshold(h.Edges[0], h.Edges[len(h.Edges)-1], expected, r.Params)
	observed := 0
	for _, p := range pixels {
		if p > threshold {
			observed++
		}
	}
	return float64(observed) / expected, nil
}

// Finds x in [lo, upper] with Tail(x, upper) = expected by bisection.
// The tail integral decreases monotonically in x.
func tailThreshold(lo, upper, expected float64, p mixture.Params) float64 {
	hi := upper
	if mixture.Tail(lo, upper, p) <= expected {
		return lo
	}
	for i := 0; i < 200 && hi-lo > 1e-9*math.Max(1, math.Abs(hi)); i++ {
		mid := 0.5 * (lo + hi)
		if mixture.Tail(mid, upper, p) > expected {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

// Default number of frames considered for the entropy slope
const DefaultEntropyFrames = 30

// Computes the Shannon entropy of each of the first maxFrames frames, and
// the slope of entropy over frame index with its standard error, both scaled
// by 1e3. Returns the sentinel with fewer than two frames, and an error of -1
// with exactly two.
func EntropySlope(frames [][]float64, maxFrames int) (slope ValErr, entropies []float64, err error) {
	n := len(frames)
	if maxFrames > 0 && n > maxFrames {
		n = maxFrames
	}
	if n < 2 {
		return Unavailable, nil, fmt.Errorf("%w: %d frames for the entropy slope", ErrInsufficientFrames, n)
	}

	entropies = make([]float64, n)
	index := make([]float64, n)
	for i := 0; i < n; i++ {
		if entropies[i], err = stats.Entropy(frames[i]); err != nil {
			return Unavailable, nil, fmt.Errorf("frame %d: %w", i, err)
		}
		index[i] = float64(i)
	}

	line, err := fit.Line(index, entropies)
	if err != nil {
		return Unavailable, entropies, err
	}
	slope = ValErr{Value: line.Slope * 1e3, Err: line.SlopeErr * 1e3}
	if math.IsNaN(slope.Err) {
		slope.Err = -1 // two frames leave no residual
	}
	return slope, entropies, nil
}

// Returns the maxima of the histogram, falling back to the highest bin if
// the peak finder finds none
func findMaxima(h *stats.Histogram, opts peaks.Options) []float64 {
	maxima := peaks.Find(h.Centers, h.Counts, opts).Maxima
	if len(maxima) == 0 {
		maxima = []float64{h.Centers[h.PeakIndex()]}
	}
	return maxima
}

// Fits a Gaussian to the histogram bins inside the window, seeded with the
// count nearest the window mean and a sixth of the window width
func fitWindow(h *stats.Histogram, w peaks.Window) (fit.GaussResult, error) {
	xs, ys := h.Window(w.Min, w.Max)
	p0 := fit.GaussParams{
		A:     h.Counts[h.Nearest(w.Mean)],
		Mu:    w.Mean,
		Sigma: w.Width() / 6,
	}
	return fit.Gaussian(xs, ys, p0)
}

// Noise of a single electron measurement: the width of a Gaussian fitted to
// the first peak of the histogram of a skipper image
func SkipperNoise(h *stats.Histogram, opts peaks.Options) (ValErr, error) {
	ws := peaks.Windows(findMaxima(h, opts), h.Robust.MAD, 0)
	res, err := fitWindow(h, ws[0])
	if err != nil {
		return Unavailable, err
	}
	return ValErr{Value: res.Params.Sigma, Err: res.Errors.Sigma}, nil
}

// Default number of extrapolated peak windows for the peak dark current
const DefaultAdditionalPeaks = 2

// Dark current from the resolved electron peaks of a skipper image. Fits a
// Gaussian to each peak window, integrates it to the number of pixels with
// that many electrons, and fits a Poisson distribution to the normalized
// pixel counts. Windows whose fit fails are skipped but still count as an
// electron number.
func PeakDarkCurrent(h *stats.Histogram, opts peaks.Options, additional int) (ValErr, error) {
	ws := peaks.Windows(findMaxima(h, opts), h.Robust.MAD, additional)

	var electrons, pixels []float64
	for i, w := range ws {
		res, err := fitWindow(h, w)
		if err != nil {
			continue
		}
		electrons = append(electrons, float64(i))
		pixels = append(pixels, res.Params.Area())
	}
	if len(electrons) == 0 {
		return Unavailable, fmt.Errorf("no peak could be fitted in %d windows", len(ws))
	}

	// one empty bin past the last fitted peak
	electrons = append(electrons, electrons[len(electrons)-1]+1)
	pixels = append(pixels, 0)

	total := floats.Sum(pixels)
	if !(total > 0) {
		return Unavailable, fmt.Errorf("integrated peaks hold %g pixels", total)
	}
	floats.Scale(1/total, pixels)
	mean := floats.Dot(electrons, pixels)

	res, err := fit.Poisson(electrons, pixels, mean)
	if err != nil {
		return Unavailable, err
	}
	return ValErr{Value: res.Value, Err: res.Err}, nil
}

// Default number of frames considered for the frame noise
const DefaultNoiseFrames = 50

// Average read noise over the first maxFrames frames, each from a Gaussian
// fit to its histogram over med +/- 3 mad. The error is the standard error of
// the mean of the per frame widths, or 0 for a single frame.
func FrameNoise(frames [][]float64, maxFrames int) (ValErr, error) {
	n := len(frames)
	if maxFrames > 0 && n > maxFrames {
		n = maxFrames
	}
	if n < 1 {
		return Unavailable, fmt.Errorf("%w: no frames", ErrInsufficientFrames)
	}

	widths := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		r, err := stats.MedianMAD(frames[i])
		if err != nil {
			return Unavailable, fmt.Errorf("frame %d: %w", i, err)
		}
		h, err := stats.NewHistogramFromRobust(frames[i], r, stats.HistogramOptions{NSigma: 3})
		if err != nil {
			return Unavailable, fmt.Errorf("frame %d: %w", i, err)
		}
		p0 := fit.GaussParams{
			A:     h.Total / math.Sqrt(2*math.Pi*r.MAD*r.MAD),
			Mu:    r.Med,
			Sigma: r.MAD,
		}
		res, err := fit.Gaussian(h.Centers, h.Counts, p0)
		if err != nil {
			return Unavailable, fmt.Errorf("frame %d: %w", i, err)
		}
		widths = append(widths, res.Params.Sigma)
	}

	mean, std := stat.MeanStdDev(widths, nil)
	if len(widths) < 2 {
		return ValErr{Value: mean, Err: 0}, nil
	}
	return ValErr{Value: mean, Err: std / math.Sqrt(float64(len(widths)))}, nil
}
