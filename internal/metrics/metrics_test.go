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

package metrics

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ccddrone/ccdanalyze/internal/fit"
	"github.com/ccddrone/ccdanalyze/internal/mixture"
	"github.com/ccddrone/ccdanalyze/internal/peaks"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

func TestValErrString(t *testing.T) {
	var tests = []struct {
		v    ValErr
		want string
	}{
		{ValErr{0.5, 0.01}, "0.5 ± 0.01"},
		{ValErr{1234, 56}, "1.2e+03 ± 56"},
		{ValErr{0, 0}, "0 ± 0"},
		{Unavailable, "N/A"},
		{ValErr{0.5, -1}, "0.5 ± N/A"},
		{ValErr{0.5, math.NaN()}, "0.5 ± N/A"},
	}
	for _, tc := range tests {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("%#v got %q; want %q", tc.v, got, tc.want)
		}
	}
}

func TestFitParams(t *testing.T) {
	r := &fit.MixtureResult{
		Params: mixture.Params{Sigma: 1.5, Lambda: 0.3, Offset: 20, ADU: 10, N: 1000},
		Errors: mixture.Params{Sigma: 0.01, Lambda: 0.002, Offset: 0.02, ADU: 0.05, N: 30},
		Status: fit.Converged,
	}
	var tests = []struct {
		name string
		fn   func(*fit.MixtureResult) (ValErr, error)
		want ValErr
	}{
		{"noise", Noise, ValErr{1.5, 0.01}},
		{"dark current", DarkCurrent, ValErr{0.3, 0.002}},
		{"adu", ADUConversion, ValErr{10, 0.05}},
	}
	for _, tc := range tests {
		got, err := tc.fn(r)
		if err != nil || got != tc.want {
			t.Errorf("%s got %v, %v; want %v", tc.name, got, err, tc.want)
		}
	}

	undetermined := *r
	undetermined.Errors.ADU = math.NaN()
	if got, err := ADUConversion(&undetermined); !errors.Is(err, ErrUndetermined) || got.Available() {
		t.Errorf("undetermined adu got %v, %v; want %v", got, err, ErrUndetermined)
	}
	if got, err := Noise(&undetermined); err != nil || got != (ValErr{1.5, 0.01}) {
		t.Errorf("noise next to undetermined adu got %v, %v", got, err)
	}

	failed := &fit.MixtureResult{Params: r.Params, Status: fit.Singular}
	for _, tc := range tests {
		got, err := tc.fn(failed)
		if !errors.Is(err, ErrFitFailed) || got.Available() {
			t.Errorf("%s on failed fit got %v, %v; want %v", tc.name, got, err, Unavailable)
		}
	}
}

// Draws n pixel values from a Gaussian with optional uniform tail pixels
func gaussPixels(n int, mu, sigma float64, tail int, seed uint64) []float64 {
	src := rand.NewSource(seed)
	noise := distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	uniform := distuv.Uniform{Min: mu + 10*sigma, Max: mu + 50*sigma, Src: src}
	data := make([]float64, 0, n+tail)
	for i := 0; i < n; i++ {
		data = append(data, noise.Rand())
	}
	for i := 0; i < tail; i++ {
		data = append(data, uniform.Rand())
	}
	return data
}

func tailRatioOf(t *testing.T, data []float64, opts fit.MixtureOptions) (float64, *fit.MixtureResult) {
	h, err := stats.NewHistogram(data, stats.HistogramOptions{NSigma: 3, MinRange: 200})
	if err != nil {
		t.Fatal(err)
	}
	res, err := fit.BestMixture(h, opts)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	ratio, err := TailRatio(data, h, &res, 3)
	if err != nil {
		t.Fatal(err)
	}
	return ratio, &res
}

func fixedADUOptions() fit.MixtureOptions {
	opts := fit.DefaultMixtureOptions()
	opts.FixedADU = 10
	return opts
}

func TestTailRatioGaussian(t *testing.T) {
	ratio, _ := tailRatioOf(t, gaussPixels(200000, 100, 3, 0, 1), fixedADUOptions())
	if math.Abs(ratio-1) > 0.25 {
		t.Errorf("got %g; want 1 +/- 0.25", ratio)
	}
}

// Bias frames carry no dark current, so the ADU per electron is undetermined
// while noise, dark current and the tail ratio are not
func TestNoDarkCurrentFreeADU(t *testing.T) {
	ratio, res := tailRatioOf(t, gaussPixels(200000, 100, 3, 0, 1), fit.DefaultMixtureOptions())
	if !res.OK() {
		t.Fatalf("status got %v; want %v", res.Status, fit.Converged)
	}
	if math.Abs(ratio-1) > 0.25 {
		t.Errorf("tail ratio got %g; want 1 +/- 0.25", ratio)
	}
	noise, err := Noise(res)
	if err != nil || math.Abs(noise.Value-3) > 0.1 || !(noise.Err > 0) {
		t.Errorf("noise got %v, %v; want 3", noise, err)
	}
	dc, err := DarkCurrent(res)
	if err != nil || dc.Value > 0.01 {
		t.Errorf("dark current got %v, %v; want about 0", dc, err)
	}
	if dc.Value == 0 {
		adu, err := ADUConversion(res)
		if !errors.Is(err, ErrUndetermined) || adu.Available() {
			t.Errorf("adu without dark current got %v, %v; want %v", adu, err, ErrUndetermined)
		}
	}
}

func TestTailRatioTracks(t *testing.T) {
	ratio, _ := tailRatioOf(t, gaussPixels(200000, 100, 3, 2000, 2), fixedADUOptions())
	if ratio <= 2 {
		t.Errorf("got %g; want > 2", ratio)
	}
}

func TestTailRatioFailedFit(t *testing.T) {
	h := &stats.Histogram{Edges: []float64{0, 1}, Centers: []float64{0.5}, Counts: []float64{1}, Total: 1}
	ratio, err := TailRatio([]float64{0.5}, h, &fit.MixtureResult{Status: fit.NotConverged}, 4)
	if ratio != -1 || !errors.Is(err, ErrFitFailed) {
		t.Errorf("got %g, %v; want -1, %v", ratio, err, ErrFitFailed)
	}
}

func TestTailThreshold(t *testing.T) {
	p := mixture.Params{Sigma: 2, Lambda: 0, Offset: 50, ADU: 10, N: 1e6, Terms: 10}
	expected := p.N * distuv.UnitNormal.Survival(4)
	x := tailThreshold(0, 200, expected, p)
	if math.Abs(x-58) > 1e-6 {
		t.Errorf("got %g; want 58", x)
	}
}

// Uniform frame over m unit bins: values j and j+0.5 for j<m
func uniformFrame(m int) []float64 {
	var frame []float64
	for j := 0; j < m; j++ {
		frame = append(frame, float64(j), float64(j)+0.5)
	}
	return frame
}

func TestEntropySlope(t *testing.T) {
	frames := [][]float64{uniformFrame(2), uniformFrame(4), uniformFrame(8), uniformFrame(16)}
	slope, entropies, err := EntropySlope(frames, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entropies) != 3 {
		t.Fatalf("got %d entropies; want 3", len(entropies))
	}
	for i, e := range entropies {
		if want := float64(i+1) * math.Ln2; math.Abs(e-want) > 1e-12 {
			t.Errorf("entropy %d got %g; want %g", i, e, want)
		}
	}
	if math.Abs(slope.Value-1e3*math.Ln2) > 1e-6 || slope.Err > 1e-6 {
		t.Errorf("slope got %v; want %g ± 0", slope, 1e3*math.Ln2)
	}

	slope, _, err = EntropySlope(frames[:2], 30)
	if err != nil || !slope.Available() || math.Abs(slope.Value-1e3*math.Ln2) > 1e-6 || slope.Err != -1 {
		t.Errorf("two frames got %v, %v; want slope with unknown error", slope, err)
	}
	if got := slope.String(); got != "6.9e+02 ± N/A" {
		t.Errorf("two frames printed %q", got)
	}

	slope, _, err = EntropySlope(frames[:1], 30)
	if !errors.Is(err, ErrInsufficientFrames) || slope != Unavailable {
		t.Errorf("single frame got %v, %v; want %v", slope, err, Unavailable)
	}
}

// Noise free histogram of a skipper image with resolved electron peaks
func skipperHistogram(p mixture.Params) *stats.Histogram {
	h := &stats.Histogram{Robust: stats.Robust{Med: p.Offset, MAD: 7}}
	for i := 0; i < 500; i++ {
		lo := p.Offset - 100 + float64(i)
		h.Edges = append(h.Edges, lo)
		h.Centers = append(h.Centers, lo+0.5)
		c := math.Round(mixture.Density(lo+0.5, p))
		h.Counts = append(h.Counts, c)
		h.Total += c
	}
	h.Edges = append(h.Edges, p.Offset+400)
	return h
}

var skipper = mixture.Params{Sigma: 5, Lambda: 0.5, Offset: 100, ADU: 50, N: 100000, Terms: 10}

func TestSkipperNoise(t *testing.T) {
	noise, err := SkipperNoise(skipperHistogram(skipper), peaks.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(noise.Value-5) > 0.1 {
		t.Errorf("got %v; want 5", noise)
	}
}

func TestPeakDarkCurrent(t *testing.T) {
	dc, err := PeakDarkCurrent(skipperHistogram(skipper), peaks.DefaultOptions(), DefaultAdditionalPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dc.Value-0.5) > 0.05 {
		t.Errorf("got %v; want 0.5", dc)
	}
}

func TestFrameNoise(t *testing.T) {
	var frames [][]float64
	for i := 0; i < 3; i++ {
		frames = append(frames, gaussPixels(20000, 1000, 5, 0, uint64(10+i)))
	}
	noise, err := FrameNoise(frames, DefaultNoiseFrames)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(noise.Value-5) > 0.3 {
		t.Errorf("got %v; want 5", noise)
	}

	if _, err = FrameNoise(nil, DefaultNoiseFrames); !errors.Is(err, ErrInsufficientFrames) {
		t.Errorf("no frames got %v; want %v", err, ErrInsufficientFrames)
	}
}
