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

// Package peaks locates the single electron peaks in the histogram of a
// skipper CCD exposure.
package peaks

import (
	"math"
)

// Settings for the peak finder
type Options struct {
	NMovingAverage int     `json:"nMovingAverage"` // Length of the moving average smoothing the counts
	DThresh        float64 `json:"dThresh"`        // Derivative threshold, divided by NMovingAverage
}

// Default peak finder settings: moving average over 10 bins, derivative threshold 2
func DefaultOptions() Options {
	return Options{NMovingAverage: 10, DThresh: 2}
}

// Locations of local maxima and minima, as bin centers in ascending order
type Set struct {
	Maxima []float64 `json:"maxima"`
	Minima []float64 `json:"minima"`
}

// Smooths the counts with a moving average of length n. The output has the
// same length as the input, aligned like the central part of the full
// convolution with zero padding; for even n the window covers n/2 bins to
// the left and n/2-1 to the right.
func Smooth(counts []float64, n int) []float64 {
	if n <= 1 {
		return append([]float64{}, counts...)
	}
	smooth := make([]float64, len(counts))
	shift := (n - 1) / 2
	for i := range smooth {
		sum := float64(0)
		for m := 0; m < n; m++ {
			j := i + shift - m
			if j >= 0 && j < len(counts) {
				sum += counts[j]
			}
		}
		smooth[i] = sum / float64(n)
	}
	return smooth
}

// Finds peaks in the histogram given by centers and counts. Bin i is a maximum
// if the smoothed curve rises by more than the threshold into it and falls by
// more than the threshold out of it, and a minimum in the opposite case. The
// first and last bin are never reported.
func Find(centers, counts []float64, opts Options) (set Set) {
	n := opts.NMovingAverage
	if n <= 0 {
		n = 1
	}
	smooth := Smooth(counts, n)
	thresh := opts.DThresh / float64(n)

	for i := 1; i+1 < len(smooth); i++ {
		before, after := smooth[i]-smooth[i-1], smooth[i+1]-smooth[i]
		if before > thresh && after < -thresh {
			set.Maxima = append(set.Maxima, centers[i])
		} else if before < -thresh && after > thresh {
			set.Minima = append(set.Minima, centers[i])
		}
	}
	return set
}

// Fit window around one peak
type Window struct {
	Mean float64 `json:"mean"` // Expected peak location
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Width of the window
func (w Window) Width() float64 {
	return w.Max - w.Min
}

// Returns the width of the per peak fit windows: the mean spacing of the
// maxima, or twice the MAD if fewer than two maxima were found
func Spacing(maxima []float64, mad float64) float64 {
	if len(maxima) < 2 {
		return 2 * mad
	}
	return math.Abs(maxima[len(maxima)-1]-maxima[0]) / float64(len(maxima)-1)
}

// Returns fit windows centered on each maximum, followed by additional
// windows extrapolated at the same spacing beyond the last one, for peaks
// too small to be found. Returns nil if there are no maxima.
func Windows(maxima []float64, mad float64, additional int) []Window {
	if len(maxima) == 0 {
		return nil
	}
	delta := Spacing(maxima, mad)
	ws := make([]Window, 0, len(maxima)+additional)
	for _, m := range maxima {
		ws = append(ws, Window{Mean: m, Min: m - delta/2, Max: m + delta/2})
	}
	for i := 0; i < additional; i++ {
		m := ws[len(ws)-1].Mean + delta
		ws = append(ws, Window{Mean: m, Min: m - delta/2, Max: m + delta/2})
	}
	return ws
}
