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

	"github.com/ccddrone/ccdanalyze/internal/qsort"
)

// Returned when statistics are requested for an empty pixel array
var ErrEmpty = errors.New("empty pixel array")

// Scale factor making the median absolute deviation a consistent estimator
// of the standard deviation for normally distributed data
const MADScale = 1.4826

// Basic statistics on data arrays
type BasicStats struct {
	Min    float64 `json:"min"`    // Minimum
	Max    float64 `json:"max"`    // Maximum
	Mean   float64 `json:"mean"`   // Mean (average)
	StdDev float64 `json:"stdDev"` // Standard deviation (norm 2, sigma)
}

// Pretty print basic stats to string
func (s *BasicStats) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g",
		s.Min, s.Max, s.Mean, s.StdDev)
}

// Pretty print basic stats to CSV header
func (s *BasicStats) ToCSVHeader() string {
	return "Min,Max,Mean,StdDev"
}

// Pretty print basic stats to CSV line item
func (s *BasicStats) ToCSVLine() string {
	return fmt.Sprintf("%.6g,%.6g,%.6g,%.6g", s.Min, s.Max, s.Mean, s.StdDev)
}

// Calculate basic statistics for a data array
func CalcBasicStats(data []float64) (s *BasicStats, err error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	s = &BasicStats{}
	s.Min, s.Mean, s.Max = calcMinMeanMax(data)
	s.StdDev = math.Sqrt(calcVariance(data, s.Mean))
	return s, nil
}

// Calculate minimum, mean and maximum of given data
func calcMinMeanMax(data []float64) (min, mean, max float64) {
	mmin, mmean, mmax := data[0], float64(0), data[0]
	for _, v := range data {
		if v < mmin {
			mmin = v
		}
		if v > mmax {
			mmax = v
		}
		mmean += v
	}
	return mmin, mmean / float64(len(data)), mmax
}

// Calculate variance of given data from provided mean
func calcVariance(data []float64, mean float64) float64 {
	variance := float64(0)
	for _, v := range data {
		diff := v - mean
		variance += diff * diff
	}
	return variance / float64(len(data))
}

// Robust location and scale of the pixel distribution
type Robust struct {
	Med float64 `json:"med"` // Median of the positive pixels
	MAD float64 `json:"mad"` // Scaled median absolute deviation of the positive pixels, at least 1
}

// Computes median and median absolute deviation over the strictly positive pixels.
// Zero and negative pixels are treated as saturated and excluded. If no pixel is
// positive, returns med=0 and mad=1. The MAD is floored at 1 so later fits never
// start from a degenerate width. Does not modify data.
func MedianMAD(data []float64) (r Robust, err error) {
	if len(data) == 0 {
		return Robust{}, ErrEmpty
	}

	tmp := make([]float64, 0, len(data))
	for _, d := range data {
		if d > 0 {
			tmp = append(tmp, d)
		}
	}
	if len(tmp) == 0 {
		return Robust{Med: 0, MAD: 1}, nil
	}

	med := qsort.QSelectMedianFloat64(tmp)
	for i, d := range tmp {
		tmp[i] = math.Abs(d - med)
	}
	mad := qsort.QSelectMedianFloat64(tmp) * MADScale
	if mad < 1 {
		mad = 1
	}
	return Robust{Med: med, MAD: mad}, nil
}
