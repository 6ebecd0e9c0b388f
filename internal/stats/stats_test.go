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

package stats

import (
	"errors"
	"math"
	"testing"
)

func TestMedianMAD(t *testing.T) {
	var tests = []struct {
		name string
		data []float64
		med  float64
		mad  float64
	}{
		{"constant", []float64{7, 7, 7, 7, 7}, 7, 1},
		{"nonpositive", []float64{0, -3, -1, 0}, 0, 1},
		{"ignores saturated", []float64{0, 0, 0, 10, 10, 10}, 10, 1},
		{"odd", []float64{1, 2, 3, 4, 100}, 3, MADScale},
		{"wide", []float64{10, 20, 30, 40, 50}, 30, 10 * MADScale},
	}
	for _, tc := range tests {
		r, err := MedianMAD(tc.data)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
			continue
		}
		if math.Abs(r.Med-tc.med) > 1e-12 || math.Abs(r.MAD-tc.mad) > 1e-12 {
			t.Errorf("%s: got med %g mad %g; want %g %g", tc.name, r.Med, r.MAD, tc.med, tc.mad)
		}
	}

	if _, err := MedianMAD(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty: got %v; want %v", err, ErrEmpty)
	}
}

func TestMedianMADKeepsInput(t *testing.T) {
	data := []float64{5, 1, 4, 2, 3}
	if _, err := MedianMAD(data); err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 1, 4, 2, 3}
	for i := range data {
		if data[i] != want[i] {
			t.Errorf("data[%d] got %g; want %g", i, data[i], want[i])
		}
	}
}

func TestBasicStats(t *testing.T) {
	s, err := CalcBasicStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if err != nil {
		t.Fatal(err)
	}
	if s.Min != 2 || s.Max != 9 || s.Mean != 5 || s.StdDev != 2 {
		t.Errorf("got %v; want Min 2 Max 9 Mean 5 StdDev 2", s)
	}
}

func checkLayout(t *testing.T, h *Histogram) {
	if len(h.Edges) != len(h.Centers)+1 || len(h.Counts) != len(h.Centers) {
		t.Fatalf("got %d edges %d centers %d counts", len(h.Edges), len(h.Centers), len(h.Counts))
	}
	if len(h.Counts) < 1 {
		t.Fatalf("got no bins")
	}
	for i := range h.Centers {
		if h.Edges[i+1]-h.Edges[i] != 1 {
			t.Errorf("bin %d width %g; want 1", i, h.Edges[i+1]-h.Edges[i])
		}
		if h.Edges[i] != math.Floor(h.Edges[i]) {
			t.Errorf("edge %d=%g is not integer", i, h.Edges[i])
		}
		if h.Centers[i] != h.Edges[i]+0.5 {
			t.Errorf("center %d=%g; want %g", i, h.Centers[i], h.Edges[i]+0.5)
		}
	}
}

func TestHistogramRange(t *testing.T) {
	data := []float64{}
	for i := 0; i < 100; i++ {
		data = append(data, 100+float64(i%10))
	}
	h, err := NewHistogram(data, HistogramOptions{NSigma: 3, MinRange: 200})
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, h)
	if h.Edges[0] > h.Robust.Med-100 || h.Edges[len(h.Edges)-1] < h.Robust.Med+100 {
		t.Errorf("range [%g,%g] does not cover med %g +/- 100", h.Edges[0], h.Edges[len(h.Edges)-1], h.Robust.Med)
	}
	if h.Total != 100 {
		t.Errorf("total got %g; want 100", h.Total)
	}
	if got := h.Centers[h.PeakIndex()]; got < 100 || got > 110 {
		t.Errorf("peak center got %g; want in [100,110]", got)
	}
}

func TestHistogramSingleBin(t *testing.T) {
	h, err := NewHistogram([]float64{3, 3, 3}, HistogramOptions{})
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, h)
	if h.Len() != 1 || h.Total != 3 {
		t.Errorf("got %d bins total %g; want 1 bin total 3", h.Len(), h.Total)
	}
}

func TestHistogramCountsNonPositive(t *testing.T) {
	data := []float64{-1, 0, 0, 1, 2, 2, 2, 3}
	h, err := NewHistogram(data, HistogramOptions{MinRange: 20})
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, h)
	if h.Total != float64(len(data)) {
		t.Errorf("total got %g; want %d", h.Total, len(data))
	}
	if c := h.Counts[h.Nearest(0.5)]; c != 2 {
		t.Errorf("count of bin [0,1) got %g; want 2", c)
	}
}

func TestHistogramClosedLastBin(t *testing.T) {
	r := Robust{Med: 5, MAD: 1}
	h, err := NewHistogramFromRobust([]float64{2, 8, 9}, r, HistogramOptions{NSigma: 3})
	if err != nil {
		t.Fatal(err)
	}
	if h.Edges[0] != 2 || h.Edges[len(h.Edges)-1] != 8 {
		t.Fatalf("edges [%g,%g]; want [2,8]", h.Edges[0], h.Edges[len(h.Edges)-1])
	}
	if h.Counts[0] != 1 || h.Counts[h.Len()-1] != 1 || h.Total != 2 {
		t.Errorf("got counts %v; want first and last bin 1, total 2", h.Counts)
	}
}

func TestHistogramReverse(t *testing.T) {
	data := []float64{10, 10, 10, 11, 12, 12}
	fwd, _ := NewHistogram(data, HistogramOptions{MinRange: 10})
	rev, _ := NewHistogram(data, HistogramOptions{MinRange: 10, Reverse: true})
	n := fwd.Len()
	for i := 0; i < n; i++ {
		if fwd.Counts[i] != rev.Counts[n-1-i] {
			t.Errorf("bin %d got %g; want %g", i, rev.Counts[n-1-i], fwd.Counts[i])
		}
	}
}

func TestHistogramMoments(t *testing.T) {
	h := &Histogram{
		Centers: []float64{0.5, 1.5, 2.5},
		Counts:  []float64{1, 2, 1},
		Total:   4,
	}
	mean, variance := h.Moments()
	if mean != 1.5 || variance != 0.5 {
		t.Errorf("got mean %g variance %g; want 1.5 0.5", mean, variance)
	}
}

func TestEntropy(t *testing.T) {
	var tests = []struct {
		name string
		data []float64
		want float64
	}{
		{"constant", []float64{4, 4, 4}, 0},
		{"last bin closed", []float64{0, 1, 2, 3}, 1.5 * math.Ln2},
		{"uniform", []float64{0, 1, 2, 3, 0.5, 1.5, 2.5, 3.5}, math.Log(4)},
		{"non-finite ignored", []float64{math.NaN(), 0, 1, math.Inf(1), 2, 3, math.Inf(-1)}, 1.5 * math.Ln2},
	}
	for _, tc := range tests {
		got, err := Entropy(tc.data)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
			continue
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("%s: got %g; want %g", tc.name, got, tc.want)
		}
	}
}

func TestEntropyWideRange(t *testing.T) {
	for _, outlier := range []float64{1e10, 1e30, -1e30} {
		data := []float64{100, 101, 102, outlier}
		if _, err := Entropy(data); !errors.Is(err, ErrTooManyBins) {
			t.Errorf("outlier %g: got %v; want ErrTooManyBins", outlier, err)
		}
	}
	if _, err := Entropy([]float64{math.NaN(), math.Inf(1)}); !errors.Is(err, ErrEmpty) {
		t.Errorf("no finite pixels: got %v; want ErrEmpty", err)
	}
}

func TestHistogramWideRange(t *testing.T) {
	data := []float64{99, 100, 101}
	for _, nSigma := range []float64{1e12, math.Inf(1), math.NaN()} {
		if _, err := NewHistogram(data, HistogramOptions{NSigma: nSigma}); !errors.Is(err, ErrTooManyBins) {
			t.Errorf("nSigma %g: got %v; want ErrTooManyBins", nSigma, err)
		}
	}
	r := Robust{Med: 100, MAD: 1}
	if _, err := NewHistogramFromRobust(data, r, HistogramOptions{MinRange: 2 * MaxBins}); !errors.Is(err, ErrTooManyBins) {
		t.Errorf("min range: got %v; want ErrTooManyBins", err)
	}
}
