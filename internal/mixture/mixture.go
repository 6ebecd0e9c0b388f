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

// Package mixture evaluates the pixel value distribution of a CCD exposure:
// a Gaussian read noise kernel convolved with a Poisson distributed number
// of electrons, each adding a fixed number of ADU.
package mixture

import (
	"fmt"
	"math"
)

// Default number of Poisson terms summed
const DefaultTerms = 10

// Bounds for the automatically chosen number of Poisson terms
const (
	MinTerms = 5
	MaxTerms = 30
)

// Number of free parameters, in the order of Params.Vector
const NumParams = 5

// Parameter indices into Params.Vector
const (
	IndexSigma = iota
	IndexLambda
	IndexOffset
	IndexADU
	IndexN
)

// Human readable parameter names, in vector order
var ParamNames = [NumParams]string{"sigma", "lambda", "offset", "adu", "N"}

// Parameters of the Gaussian-convolved-Poisson pixel distribution
type Params struct {
	Sigma  float64 `json:"sigma"`  // Read noise in ADU
	Lambda float64 `json:"lambda"` // Mean number of electrons per pixel
	Offset float64 `json:"offset"` // Pedestal, the ADU value of zero electrons
	ADU    float64 `json:"adu"`    // ADU per electron
	N      float64 `json:"n"`      // Normalization, number of pixels
	Terms  int     `json:"terms"`  // Number of Poisson terms summed
}

// Pretty print parameters to string
func (p Params) String() string {
	return fmt.Sprintf("sigma %.4g lambda %.4g offset %.6g adu %.4g N %.6g terms %d",
		p.Sigma, p.Lambda, p.Offset, p.ADU, p.N, p.Terms)
}

// Returns the free parameters as a vector, in index order
func (p Params) Vector() []float64 {
	return []float64{p.Sigma, p.Lambda, p.Offset, p.ADU, p.N}
}

// Returns a copy of the parameters with the free parameters taken from vector v
func (p Params) WithVector(v []float64) Params {
	return Params{
		Sigma:  v[IndexSigma],
		Lambda: v[IndexLambda],
		Offset: v[IndexOffset],
		ADU:    v[IndexADU],
		N:      v[IndexN],
		Terms:  p.Terms,
	}
}

// Returns the number of terms to sum, substituting the default for zero
func (p Params) terms() int {
	if p.Terms <= 0 {
		return DefaultTerms
	}
	return p.Terms
}

// Computes the Poisson weights w_k = lambda^k exp(-lambda) / k! for k<numTerms
// in log space, avoiding overflow of the factorial. For lambda<=0 all mass sits
// at k=0.
func Weights(lambda float64, numTerms int) []float64 {
	w := make([]float64, numTerms)
	if numTerms == 0 {
		return w
	}
	if lambda <= 0 {
		w[0] = 1
		return w
	}
	logLambda := math.Log(lambda)
	for k := range w {
		lg, _ := math.Lgamma(float64(k + 1))
		w[k] = math.Exp(float64(k)*logLambda - lambda - lg)
	}
	return w
}

// Returns the smallest number of terms in [MinTerms, MaxTerms] such that the
// Poisson mass beyond the last term is below tol
func TermsFor(lambda, tol float64) int {
	w := Weights(lambda, MaxTerms)
	cum := float64(0)
	for k, wk := range w {
		cum += wk
		if k+1 >= MinTerms && 1-cum < tol {
			return k + 1
		}
	}
	return MaxTerms
}

// Evaluates the pixel value density at x, in pixels per ADU
func Density(x float64, p Params) float64 {
	w := Weights(p.Lambda, p.terms())
	norm := p.N / math.Sqrt(2*math.Pi*p.Sigma*p.Sigma)
	inv2s2 := 1 / (2 * p.Sigma * p.Sigma)
	dx := x - p.Offset
	sum := float64(0)
	for k, wk := range w {
		if wk == 0 {
			continue
		}
		diff := p.ADU*float64(k) - dx
		sum += wk * math.Exp(-diff*diff*inv2s2)
	}
	return norm * sum
}

// Evaluates the density at every x, writing into dest which is grown as needed
func DensityAll(dest, xs []float64, p Params) []float64 {
	if cap(dest) < len(xs) {
		dest = make([]float64, len(xs))
	}
	dest = dest[:len(xs)]
	for i, x := range xs {
		dest[i] = Density(x, p)
	}
	return dest
}

// Evaluates the normalized cumulative distribution at x, without the factor N.
// Monotone non-decreasing in x, tending to 0 and 1 at the extremes.
func CDF(x float64, p Params) float64 {
	w := Weights(p.Lambda, p.terms())
	sigma := math.Abs(p.Sigma)
	dx := x - p.Offset
	sum := float64(0)
	for k, wk := range w {
		if wk == 0 {
			continue
		}
		sum += wk * normalCDF((dx-p.ADU*float64(k))/sigma)
	}
	return sum
}

// Returns the expected number of pixels with values in [x, upper]
func Tail(x, upper float64, p Params) float64 {
	return p.N * (CDF(upper, p) - CDF(x, p))
}

// Standard normal cumulative distribution function
func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// Computes the partial derivatives of Density at x with respect to the free
// parameters, in index order, writing them into grad
func Gradient(grad []float64, x float64, p Params) {
	numTerms := p.terms()
	w := Weights(p.Lambda, numTerms)
	s2 := p.Sigma * p.Sigma
	norm := 1 / math.Sqrt(2*math.Pi)
	dx := x - p.Offset

	var sumG, sumOff, sumADU, sumSigma, sumLambda float64
	prev := float64(0)
	for k, wk := range w {
		diff := dx - p.ADU*float64(k)
		e := math.Exp(-diff * diff / (2 * s2))

		// dw_k/dlambda = w_{k-1} - w_k
		sumLambda += (prev - wk) * e
		prev = wk
		if wk == 0 {
			continue
		}
		g := wk * e
		sumG += g
		sumOff += g * diff
		sumADU += g * diff * float64(k)
		sumSigma += g * (diff*diff/(s2*s2) - 1/s2)
	}

	sigma := math.Abs(p.Sigma)
	scale := p.N * norm / sigma
	grad[IndexSigma] = p.N * norm * sumSigma
	if p.Sigma < 0 {
		grad[IndexSigma] = -grad[IndexSigma]
	}
	grad[IndexLambda] = scale * sumLambda
	grad[IndexOffset] = scale * sumOff / s2
	grad[IndexADU] = scale * sumADU / s2
	grad[IndexN] = norm / sigma * sumG
}
