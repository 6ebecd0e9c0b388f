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
)

var ErrFrameTooSmall = errors.New("frame smaller than 3x3 pixels")

// Laplacian kernel weights, row by row
var enWeights = [9]float64{
	1, -2, 1,
	-2, 4, -2,
	1, -2, 1,
}

// Estimates the standard deviation of additive gaussian noise on a frame of the
// given width from the mean absolute response to a Laplacian kernel, which
// cancels smooth gradients. Pixel tracks and bright defects bias it upwards.
// From J. Immerkær, “Fast Noise Variance Estimation”, Computer Vision and Image Understanding, Vol. 64, No. 2, pp. 300-302, Sep. 1996.
func EstimateNoise(data []float64, width int) (float64, error) {
	if width < 3 || len(data)/width < 3 {
		return -1, ErrFrameTooSmall
	}
	height := len(data) / width
	offsets := [9]int{
		-width - 1, -width, -width + 1,
		-1, 0, 1,
		width - 1, width, width + 1,
	}

	sum := 0.0
	for y := 1; y < height-1; y++ {
		rowSum := 0.0
		for x := 1; x < width-1; x++ {
			i := y*width + x
			conv := 0.0
			for j, o := range offsets {
				conv += data[i+o] * enWeights[j]
			}
			rowSum += math.Abs(conv)
		}
		sum += rowSum
	}
	factor := math.Sqrt(0.5*math.Pi) / (6 * float64(width-2) * float64(height-2))
	return sum * factor, nil
}
