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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ccddrone/ccdanalyze/internal/fit"
	"github.com/ccddrone/ccdanalyze/internal/fits"
	"github.com/ccddrone/ccdanalyze/internal/metrics"
	"github.com/ccddrone/ccdanalyze/internal/mixture"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

// synthetic exposure without tracks
func synthImage(t *testing.T, w, h, frames int) *fits.Image {
	t.Helper()
	opts := fits.DefaultSynthOptions()
	opts.Width, opts.Height, opts.Frames = w, h, frames
	opts.Noise = mixture.Params{Sigma: 3, Lambda: 0.3, Offset: 200, ADU: 20}
	opts.MaxTracks = 0
	img, err := fits.NewSynthImage(opts)
	if err != nil {
		t.Fatalf("synthesizing image: %v", err)
	}
	img.FileName = "synth.fits"
	return img
}

func TestAnalyzeSynthetic(t *testing.T) {
	img := synthImage(t, 300, 200, 1)
	r, err := Analyze(context.Background(), img, DefaultOptions(), io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if r.Shape != "300x200" || r.Frames != 1 {
		t.Errorf("shape got %s with %d frames; want 300x200 with 1", r.Shape, r.Frames)
	}
	if r.Fit.Status != fit.Converged {
		t.Fatalf("fit status got %v; want converged. Failures %v", r.Fit.Status, r.Failures)
	}
	tests := []struct {
		name      string
		got, want float64
		tol       float64
	}{
		{"noise", r.Noise.Value, 3, 0.25},
		{"dark current", r.DarkCurrent.Value, 0.3, 0.03},
		{"adu", r.ADU.Value, 20, 0.5},
	}
	for _, tc := range tests {
		if math.Abs(tc.got-tc.want) > tc.tol {
			t.Errorf("%s got %g; want %g +/- %g", tc.name, tc.got, tc.want, tc.tol)
		}
	}
	if !(r.TailRatio >= 0 && r.TailRatio < 6) {
		t.Errorf("tail ratio got %g; want a few at most", r.TailRatio)
	}
	if r.EntropySlope.Available() {
		t.Errorf("entropy slope of a single frame got %v", r.EntropySlope)
	}
	if !r.FrameNoise.Available() {
		t.Errorf("frame noise unavailable")
	}
	if r.PixelNoise < 2.5 || r.PixelNoise > 15 { // read noise plus dark current shot noise
		t.Errorf("pixel noise got %g; want between read noise and total noise", r.PixelNoise)
	}
	if !r.SkipperNoise.Available() || r.SkipperNoise.Value < 2 || r.SkipperNoise.Value > 4.5 {
		t.Errorf("skipper noise got %v; want about 3", r.SkipperNoise)
	}
	if len(r.Peaks.Maxima) == 0 {
		t.Errorf("no peaks found")
	}
	for _, f := range r.Failures {
		if f.Metric == "entropySlope" {
			t.Errorf("single frame entropy reported as failure: %v", f)
		}
	}
	if r.Histogram() == nil || r.Histogram().Total < 0.99*float64(len(img.Data)) {
		t.Errorf("histogram misses many of the %d pixels", len(img.Data))
	}
}

func TestAnalyzeStack(t *testing.T) {
	img := synthImage(t, 60, 50, 4)
	opts := DefaultOptions()
	opts.Skipper = false
	r, err := Analyze(context.Background(), img, opts, io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if len(r.Entropies) != 4 {
		t.Errorf("got %d frame entropies; want 4", len(r.Entropies))
	}
	if !r.EntropySlope.Available() {
		t.Errorf("entropy slope unavailable for a stack")
	}
	if r.SkipperNoise.Available() || r.PeakDarkCurrent.Available() {
		t.Errorf("skipper metrics computed although disabled")
	}
}

func TestAnalyzeOutlierPixel(t *testing.T) {
	opts := DefaultOptions()
	opts.Skipper = false
	img := synthImage(t, 40, 40, 2)
	img.Data[0] = 1e10
	r, err := Analyze(context.Background(), img, opts, io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if r.EntropySlope != metrics.Unavailable {
		t.Errorf("entropy slope got %v; want unavailable", r.EntropySlope)
	}
	found := false
	for _, f := range r.Failures {
		if f.Metric == "entropySlope" && strings.Contains(f.Err, stats.ErrTooManyBins.Error()) {
			found = true
		}
	}
	if !found {
		t.Errorf("entropy slope failure not recorded in %v", r.Failures)
	}
}

func TestAnalyzeHistogramTooWide(t *testing.T) {
	opts := DefaultOptions()
	opts.Histogram.NSigma = 1e12
	_, err := Analyze(context.Background(), synthImage(t, 40, 40, 1), opts, io.Discard)
	if !errors.Is(err, stats.ErrTooManyBins) {
		t.Errorf("got %v; want ErrTooManyBins", err)
	}
}

func TestAnalyzeTwoFrames(t *testing.T) {
	opts := DefaultOptions()
	opts.Skipper = false
	r, err := Analyze(context.Background(), synthImage(t, 40, 40, 2), opts, io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if !r.EntropySlope.Available() || r.EntropySlope.Err != -1 {
		t.Errorf("entropy slope of two frames got %v; want value with unknown error", r.EntropySlope)
	}
	if s := r.String(); !strings.Contains(s, "± N/A") || strings.Contains(s, "± -1") {
		t.Errorf("report shows unknown error wrongly:\n%s", s)
	}
}

func TestAnalyzeFitFailure(t *testing.T) {
	img := synthImage(t, 100, 100, 1)
	opts := DefaultOptions()
	opts.Skipper = false
	opts.Fit.Settings = fit.DefaultSettings()
	opts.Fit.Settings.MaxIterations = 1

	r, err := Analyze(context.Background(), img, opts, io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if r.Fit.OK() {
		t.Fatalf("fit converged in one iteration")
	}
	if r.Noise.Available() || r.DarkCurrent.Available() || r.ADU.Available() || r.TailRatio != -1 {
		t.Errorf("metrics of failed fit got %v %v %v %g; want sentinels", r.Noise, r.DarkCurrent, r.ADU, r.TailRatio)
	}
	if !r.FrameNoise.Available() {
		t.Errorf("frame noise does not depend on the mixture fit, got %v", r.FrameNoise)
	}
	failed := map[string]bool{}
	for _, f := range r.Failures {
		failed[f.Metric] = true
	}
	for _, m := range []string{"fit", "noise", "darkCurrent", "adu", "tailRatio"} {
		if !failed[m] {
			t.Errorf("failure of %s not recorded in %v", m, r.Failures)
		}
	}
	s := r.String()
	if !strings.Contains(s, "Noise             N/A") || !strings.Contains(s, "Tail ratio        -1") {
		t.Errorf("report does not show placeholders:\n%s", s)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	empty := fits.NewImageFromNaxisn([]int32{0, 0}, nil)
	if _, err := Analyze(context.Background(), empty, DefaultOptions(), io.Discard); !errors.Is(err, stats.ErrEmpty) {
		t.Errorf("empty image got error %v; want %v", err, stats.ErrEmpty)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img := synthImage(t, 20, 20, 1)
	if _, err := Analyze(ctx, img, DefaultOptions(), io.Discard); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context got error %v; want %v", err, context.Canceled)
	}
}

func TestReportCSV(t *testing.T) {
	img := synthImage(t, 50, 50, 1)
	r, err := Analyze(context.Background(), img, DefaultOptions(), io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	header, line := r.ToCSVHeader(), r.ToCSVLine()
	if h, l := strings.Count(header, ","), strings.Count(line, ","); h != l {
		t.Errorf("header has %d commas, line %d:\n%s\n%s", h, l, header, line)
	}
	if !strings.HasPrefix(line, "0,synth.fits,50x50,") {
		t.Errorf("line got %q", line)
	}
	if got := csvQuote(`a,"b"`); got != `"a,""b"""` {
		t.Errorf("csvQuote got %s", got)
	}
}

func TestPlot(t *testing.T) {
	img := synthImage(t, 100, 100, 1)
	opts := DefaultOptions()
	opts.Plot = filepath.Join(t.TempDir(), "spectrum%d.png")
	img.ID = 3

	r, err := Analyze(context.Background(), img, opts, io.Discard)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if want := strings.Replace(opts.Plot, "%d", "3", 1); r.PlotFile != want {
		t.Errorf("plot file got %s; want %s", r.PlotFile, want)
	}
	if st, err := os.Stat(r.PlotFile); err != nil || st.Size() == 0 {
		t.Errorf("plot file %s missing or empty: %v", r.PlotFile, err)
	}

	buf := bytes.Buffer{}
	if err := WritePlot(&buf, r, "png"); err != nil {
		t.Fatalf("writing plot: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Errorf("plot output is not a PNG")
	}

	if _, err := NewPlot(&Report{}); err == nil {
		t.Errorf("plot without histogram got nil error")
	}
}

func TestSanitize(t *testing.T) {
	img := fits.NewImageFromNaxisn([]int32{2, 1}, []float64{1, math.NaN()})
	r := newReport(img)
	r.Stats, _ = stats.CalcBasicStats(img.Data)
	r.EntropySlope = metrics.ValErr{Value: 2, Err: math.NaN()}
	r.Fit.Cost = math.Inf(1)
	r.sanitize()
	if _, err := json.Marshal(r); err != nil {
		t.Errorf("marshaling sanitized report: %v", err)
	}
	if r.EntropySlope.Value != 2 || r.EntropySlope.Err != -1 || r.Fit.Cost != -1 {
		t.Errorf("got entropy slope %v and cost %g", r.EntropySlope, r.Fit.Cost)
	}
}
