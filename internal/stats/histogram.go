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
	"fmt"
	"math"
)

// Settings for building a pixel histogram
type HistogramOptions struct {
	NSigma   float64 `json:"nSigma"`   // Half width of the histogram range in multiples of the MAD
	MinRange float64 `json:"minRange"` // Minimum total width of the histogram range in ADU. 0 for none
	Reverse  bool    `json:"reverse"`  // Mirror the counts, for readouts where more charge gives lower ADU
}

// Default histogram settings: median +/- 3 MAD, no minimum range
func DefaultHistogramOptions() HistogramOptions {
	return HistogramOptions{NSigma: 3}
}

// Histogram of pixel values with unit width bins on integer ADU edges.
// len(Edges)==len(Centers)+1==len(Counts)+1
type Histogram struct {
	Edges   []float64 `json:"edges"`
	Centers []float64 `json:"centers"`
	Counts  []float64 `json:"counts"`
	Total   float64   `json:"total"`  // Sum of counts
	Robust  Robust    `json:"robust"` // Statistics the range was derived from
}

// Upper bound on the number of unit width bins, enough for 20 bit converters
const MaxBins = 1 << 20

// Returned when a value range would need more than MaxBins bins
var ErrTooManyBins = errors.New("value range needs too many bins")

// Creates a histogram of the data over med +/- R/2, with R=max(minRange, 2*nsigma*mad)
// and med, mad as computed by MedianMAD. Pixels outside the range are ignored, the last
// bin is closed on the right.
func NewHistogram(data []float64, opts HistogramOptions) (h *Histogram, err error) {
	r, err := MedianMAD(data)
	if err != nil {
		return nil, err
	}
	return NewHistogramFromRobust(data, r, opts)
}

// Creates a histogram of the data for already known robust statistics. Fails
// with ErrTooManyBins if the range is not finite or wider than MaxBins.
func NewHistogramFromRobust(data []float64, r Robust, opts HistogramOptions) (*Histogram, error) {
	rng := 2 * opts.NSigma * r.MAD
	if opts.MinRange > rng {
		rng = opts.MinRange
	}
	lo := math.Floor(r.Med - 0.5*rng)
	hi := math.Ceil(r.Med + 0.5*rng)
	if !(hi-lo <= MaxBins) {
		return nil, fmt.Errorf("%w: range %g to %g", ErrTooManyBins, lo, hi)
	}
	if hi <= lo {
		hi = lo + 1
	}
	numBins := int(hi - lo)

	h := &Histogram{
		Edges:   make([]float64, numBins+1),
		Centers: make([]float64, numBins),
		Counts:  make([]float64, numBins),
		Robust:  r,
	}
	for i := range h.Edges {
		h.Edges[i] = lo + float64(i)
	}
	for i := range h.Centers {
		h.Centers[i] = lo + float64(i) + 0.5
	}

	for _, d := range data {
		if math.IsNaN(d) || d < lo || d > hi {
			continue
		}
		index := int(d - lo)
		if index >= numBins {
			index = numBins - 1
		}
		h.Counts[index]++
	}
	for _, c := range h.Counts {
		h.Total += c
	}

	if opts.Reverse {
		h.reverse()
	}
	return h, nil
}

// Mirrors the counts, keeping the bin locations
func (h *Histogram) reverse() {
	for i, j := 0, len(h.Counts)-1; i < j; i, j = i+1, j-1 {
		h.Counts[i], h.Counts[j] = h.Counts[j], h.Counts[i]
	}
}

// Returns the number of bins
func (h *Histogram) Len() int {
	return len(h.Counts)
}

// Returns the index of the histogram peak. Ties go to the lowest bin
func (h *Histogram) PeakIndex() int {
	maxIndex, maxValue := 0, math.Inf(-1)
	for i, v := range h.Counts {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	return maxIndex
}

// Returns the index of the bin whose center is closest to x
func (h *Histogram) Nearest(x float64) int {
	index := int(math.Floor(x - h.Edges[0]))
	if index < 0 {
		return 0
	}
	if index >= len(h.Counts) {
		return len(h.Counts) - 1
	}
	return index
}

// Returns the centers and counts of all bins with centers in [lo, hi]
func (h *Histogram) Window(lo, hi float64) (xs, ys []float64) {
	for i, c := range h.Centers {
		if c >= lo && c <= hi {
			xs = append(xs, c)
			ys = append(ys, h.Counts[i])
		}
	}
	return xs, ys
}

// Returns the count weighted mean and variance of the bin centers
func (h *Histogram) Moments() (mean, variance float64) {
	if h.Total <= 0 {
		return math.NaN(), math.NaN()
	}
	for i, c := range h.Counts {
		mean += c * h.Centers[i]
	}
	mean /= h.Total
	for i, c := range h.Counts {
		diff := h.Centers[i] - mean
		variance += c * diff * diff
	}
	variance /= h.Total
	return mean, variance
}
