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

package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Parameters of a Gaussian peak A*exp(-(x-Mu)^2/(2*Sigma^2))
type GaussParams struct {
	A     float64 `json:"a"`
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

// Integrated area under the peak, A*sqrt(2*pi*Sigma^2)
func (g GaussParams) Area() float64 {
	return g.A * math.Sqrt(2*math.Pi*g.Sigma*g.Sigma)
}

// Result of a Gaussian fit
type GaussResult struct {
	Params GaussParams `json:"params"`
	Errors GaussParams `json:"errors"`
	Status Status      `json:"status"`
	Cost   float64     `json:"cost"`
}

func gauss(x float64, p []float64) float64 {
	d := x - p[1]
	return p[0] * math.Exp(-d*d/(2*p[2]*p[2]))
}

func gaussGrad(grad []float64, x float64, p []float64) {
	d := x - p[1]
	s2 := p[2] * p[2]
	e := math.Exp(-d * d / (2 * s2))
	grad[0] = e
	grad[1] = p[0] * e * d / s2
	grad[2] = p[0] * e * d * d / (s2 * p[2])
}

// Fits a Gaussian peak to the points (x, y) starting from p0. The width is
// reported as its absolute value.
func Gaussian(x, y []float64, p0 GaussParams) (res GaussResult, err error) {
	prob := Problem{X: x, Y: y, Model: gauss, Grad: gaussGrad}
	r, err := Solve(prob, []float64{p0.A, p0.Mu, p0.Sigma}, nil)
	res = GaussResult{
		Params: GaussParams{A: r.X[0], Mu: r.X[1], Sigma: math.Abs(r.X[2])},
		Errors: GaussParams{A: r.Errors[0], Mu: r.Errors[1], Sigma: r.Errors[2]},
		Status: r.Status,
		Cost:   r.Cost,
	}
	if err != nil {
		return res, fmt.Errorf("gaussian fit from %+v: %w", p0, err)
	}
	return res, nil
}

// Initial guess for a Gaussian fit from the highest point and the given width
func GaussGuess(x, y []float64, sigma float64) GaussParams {
	g := GaussParams{Sigma: sigma}
	for i := range y {
		if i == 0 || y[i] > g.A {
			g.A, g.Mu = y[i], x[i]
		}
	}
	return g
}

// Result of a single parameter fit
type ValueResult struct {
	Value  float64 `json:"value"`
	Err    float64 `json:"err"`
	Status Status  `json:"status"`
}

// Poisson probability mass at k, with all mass at 0 for lambda<=0
func poissonPMF(k, lambda float64) float64 {
	if lambda <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	return distuv.Poisson{Lambda: lambda}.Prob(k)
}

// Fits the normalized Poisson probability mass function to the fractions y
// observed at the electron counts k, starting from lambda0. Lambda is bounded below by 0.
func Poisson(k, y []float64, lambda0 float64) (res ValueResult, err error) {
	prob := Problem{
		X:     k,
		Y:     y,
		Lower: []float64{0},
		Model: func(x float64, p []float64) float64 {
			return poissonPMF(x, p[0])
		},
		Grad: func(grad []float64, x float64, p []float64) {
			grad[0] = poissonPMF(x-1, p[0]) - poissonPMF(x, p[0])
		},
	}
	r, err := Solve(prob, []float64{lambda0}, nil)
	res = ValueResult{Value: r.X[0], Err: r.Errors[0], Status: r.Status}
	if err != nil {
		return res, fmt.Errorf("poisson fit from %g: %w", lambda0, err)
	}
	return res, nil
}

// Result of a linear regression y = Intercept + Slope*x
type LineResult struct {
	Slope        float64 `json:"slope"`
	Intercept    float64 `json:"intercept"`
	SlopeErr     float64 `json:"slopeErr"`     // NaN for two points
	InterceptErr float64 `json:"interceptErr"` // NaN for two points
}

// Fits a straight line by least squares, with standard errors from the residual variance
func Line(x, y []float64) (res LineResult, err error) {
	n := len(x)
	if n != len(y) {
		return res, fmt.Errorf("%w: %d x values, %d y values", ErrInvalidInput, n, len(y))
	}
	if n < 2 {
		return res, fmt.Errorf("%w: %d points for a line", ErrInsufficientData, n)
	}
	meanX := stat.Mean(x, nil)
	sxx := float64(0)
	for _, v := range x {
		sxx += (v - meanX) * (v - meanX)
	}
	if sxx == 0 {
		return res, fmt.Errorf("%w: all x values equal", ErrSingular)
	}

	res.Intercept, res.Slope = stat.LinearRegression(x, y, nil, false)
	if n == 2 {
		res.SlopeErr, res.InterceptErr = math.NaN(), math.NaN()
		return res, nil
	}
	ssr := float64(0)
	for i := range x {
		r := y[i] - res.Intercept - res.Slope*x[i]
		ssr += r * r
	}
	s2 := ssr / float64(n-2)
	res.SlopeErr = math.Sqrt(s2 / sxx)
	res.InterceptErr = math.Sqrt(s2 * (1/float64(n) + meanX*meanX/sxx))
	return res, nil
}
