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

// Package analysis runs the full set of pixel distribution metrics on one
// image and collects them into a report.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ccddrone/ccdanalyze/internal/fit"
	"github.com/ccddrone/ccdanalyze/internal/fits"
	"github.com/ccddrone/ccdanalyze/internal/metrics"
	"github.com/ccddrone/ccdanalyze/internal/peaks"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

// Settings for analyzing an image
type Options struct {
	Histogram       stats.HistogramOptions `json:"histogram"`
	Fit             fit.MixtureOptions     `json:"fit"`
	Peaks           peaks.Options          `json:"peaks"`
	AdditionalPeaks int                    `json:"additionalPeaks"` // Extrapolated windows for the peak dark current
	TailSigma       float64                `json:"tailSigma"`       // Tail ratio threshold in standard deviations
	EntropyFrames   int                    `json:"entropyFrames"`   // Frames considered for the entropy slope
	NoiseFrames     int                    `json:"noiseFrames"`     // Frames considered for the frame noise
	Skipper         bool                   `json:"skipper"`         // Compute the peak based skipper metrics
	Plot            string                 `json:"plot"`            // Spectrum PNG file pattern, %d expands to the image ID. Empty for none
}

// Default analysis settings. The histogram spans at least 200 ADU so that
// several electron peaks are visible in skipper images.
func DefaultOptions() Options {
	return Options{
		Histogram:       stats.HistogramOptions{NSigma: 3, MinRange: 200},
		Fit:             fit.DefaultMixtureOptions(),
		Peaks:           peaks.DefaultOptions(),
		AdditionalPeaks: metrics.DefaultAdditionalPeaks,
		TailSigma:       metrics.DefaultTailSigma,
		EntropyFrames:   metrics.DefaultEntropyFrames,
		NoiseFrames:     metrics.DefaultNoiseFrames,
		Skipper:         true,
	}
}

// A metric which could not be computed, and why
type Failure struct {
	Metric string `json:"metric"`
	Err    string `json:"err"`
}

// Results of analyzing one image. Metrics which could not be computed hold
// the sentinel, and are listed in Failures.
type Report struct {
	ID       int                `json:"id"`
	FileName string             `json:"fileName"`
	Shape    string             `json:"shape"`
	Frames   int                `json:"frames"`
	Stats    *stats.BasicStats  `json:"stats"`
	Robust   stats.Robust       `json:"robust"`
	Fit      fit.MixtureResult  `json:"fit"`
	Peaks    peaks.Set          `json:"peaks"`
	Failures []Failure          `json:"failures,omitempty"`
	PlotFile string             `json:"plotFile,omitempty"`
	Elapsed  time.Duration      `json:"elapsed"`

	Noise           metrics.ValErr `json:"noise"`
	DarkCurrent     metrics.ValErr `json:"darkCurrent"`
	ADU             metrics.ValErr `json:"adu"`
	TailRatio       float64        `json:"tailRatio"`
	EntropySlope    metrics.ValErr `json:"entropySlope"`
	Entropies       []float64      `json:"entropies,omitempty"`
	SkipperNoise    metrics.ValErr `json:"skipperNoise"`
	PeakDarkCurrent metrics.ValErr `json:"peakDarkCurrent"`
	FrameNoise      metrics.ValErr `json:"frameNoise"`
	PixelNoise      float64        `json:"pixelNoise"` // Laplacian noise estimate on the first frame, -1 if unavailable

	hist *stats.Histogram
}

// Creates a report with every metric set to the sentinel
func newReport(img *fits.Image) *Report {
	return &Report{
		ID:              img.ID,
		FileName:        img.FileName,
		Shape:           img.DimensionsToString(),
		Frames:          img.NumFrames(),
		Fit:             fit.MixtureResult{Status: fit.InvalidInput},
		Noise:           metrics.Unavailable,
		DarkCurrent:     metrics.Unavailable,
		ADU:             metrics.Unavailable,
		TailRatio:       -1,
		EntropySlope:    metrics.Unavailable,
		SkipperNoise:    metrics.Unavailable,
		PeakDarkCurrent: metrics.Unavailable,
		FrameNoise:      metrics.Unavailable,
		PixelNoise:      -1,
	}
}

func (r *Report) fail(metric string, err error) {
	r.Failures = append(r.Failures, Failure{Metric: metric, Err: err.Error()})
}

// Returns the histogram the report was computed from, or nil
func (r *Report) Histogram() *stats.Histogram {
	return r.hist
}

// Analyzes the image: basic and robust statistics, the mixture fit with the
// metrics derived from it, entropy slope and frame noise over the frames of
// a stack, and optionally the skipper peak metrics and a spectrum plot.
// A failed metric is recorded in the report and does not stop the others.
// Returns an error only for empty images, a histogram range wider than
// stats.MaxBins, a done context or a failed plot.
func Analyze(ctx context.Context, img *fits.Image, opts Options, logWriter io.Writer) (r *Report, err error) {
	start := time.Now()
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("%d: %w", img.ID, stats.ErrEmpty)
	}
	r = newReport(img)

	if r.Stats, err = stats.CalcBasicStats(img.Data); err != nil {
		return nil, err
	}
	h, err := stats.NewHistogram(img.Data, opts.Histogram)
	if err != nil {
		return nil, err
	}
	r.hist, r.Robust = h, h.Robust
	fmt.Fprintf(logWriter, "%d: %s image with %v, median %.6g mad %.4g, %d bins\n",
		img.ID, r.Shape, r.Stats, r.Robust.Med, r.Robust.MAD, h.Len())

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	res, err := fit.BestMixture(h, opts.Fit)
	r.Fit = res
	if err != nil {
		r.fail("fit", err)
	}
	fmt.Fprintf(logWriter, "%d: Mixture fit %v\n", img.ID, &r.Fit)

	if r.Noise, err = metrics.Noise(&res); err != nil {
		r.fail("noise", err)
	}
	if r.DarkCurrent, err = metrics.DarkCurrent(&res); err != nil {
		r.fail("darkCurrent", err)
	}
	if r.ADU, err = metrics.ADUConversion(&res); err != nil {
		r.fail("adu", err)
	}
	if r.TailRatio, err = metrics.TailRatio(img.Data, h, &res, opts.TailSigma); err != nil {
		r.fail("tailRatio", err)
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	frames := img.Frames(0)
	r.EntropySlope, r.Entropies, err = metrics.EntropySlope(frames, opts.EntropyFrames)
	if err != nil && !errors.Is(err, metrics.ErrInsufficientFrames) {
		r.fail("entropySlope", err)
	}
	if r.FrameNoise, err = metrics.FrameNoise(frames, opts.NoiseFrames); err != nil {
		r.fail("frameNoise", err)
	}
	if r.PixelNoise, err = stats.EstimateNoise(img.Frame(0), img.Width()); err != nil {
		r.fail("pixelNoise", err)
	}

	if opts.Skipper {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		r.Peaks = peaks.Find(h.Centers, h.Counts, opts.Peaks)
		if r.SkipperNoise, err = metrics.SkipperNoise(h, opts.Peaks); err != nil {
			r.fail("skipperNoise", err)
		}
		if r.PeakDarkCurrent, err = metrics.PeakDarkCurrent(h, opts.Peaks, opts.AdditionalPeaks); err != nil {
			r.fail("peakDarkCurrent", err)
		}
	}

	if opts.Plot != "" {
		fileName := opts.Plot
		if strings.Contains(fileName, "%d") {
			fileName = fmt.Sprintf(opts.Plot, img.ID)
		}
		if err = SavePlot(fileName, r); err != nil {
			r.sanitize()
			r.Elapsed = time.Since(start)
			return r, fmt.Errorf("%d: saving plot: %w", img.ID, err)
		}
		r.PlotFile = fileName
		fmt.Fprintf(logWriter, "%d: Wrote spectrum plot to %s\n", img.ID, fileName)
	}

	r.sanitize()
	r.Elapsed = time.Since(start)
	return r, nil
}
