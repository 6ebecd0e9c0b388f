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
	"fmt"
	"math"
)

// Computes the Shannon entropy -sum(p log p) of the pixel value distribution.
// Bins have unit width with edges min, min+1, ... below max+1; the last bin is
// closed on the right. Constant data has zero entropy. Non-finite pixels are
// ignored; a value range wider than MaxBins is an error.
func Entropy(data []float64) (entropy float64, err error) {
	if len(data) == 0 {
		return 0, ErrEmpty
	}
	min, max := math.Inf(1), math.Inf(-1)
	for _, d := range data {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		min, max = math.Min(min, d), math.Max(max, d)
	}
	if min > max {
		return 0, fmt.Errorf("%w: no finite pixels", ErrEmpty)
	}
	if max-min >= MaxBins {
		return 0, fmt.Errorf("%w: values from %g to %g", ErrTooManyBins, min, max)
	}
	numBins := int(math.Ceil(max+1-min)) - 1
	if numBins < 1 {
		return 0, nil
	}

	bins := make([]float64, numBins)
	total := float64(0)
	for _, d := range data {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		index := int(d - min)
		if index >= numBins {
			index = numBins - 1
		}
		bins[index]++
		total++
	}

	for _, b := range bins {
		if b > 0 {
			p := b / total
			entropy -= p * math.Log(p)
		}
	}
	return entropy, nil
}
