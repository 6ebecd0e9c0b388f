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

package mixture

import (
	"math"
	"testing"
)

var testParams = []Params{
	{Sigma: 1.5, Lambda: 0.3, Offset: 20, ADU: 10, N: 120000, Terms: 10},
	{Sigma: 0.5, Lambda: 0, Offset: -3, ADU: 5, N: 1000, Terms: 5},
	{Sigma: 20, Lambda: 5, Offset: 1000, ADU: 8, N: 1e6, Terms: 30},
	{Sigma: 3, Lambda: 2, Offset: 0, ADU: 12, N: 500},
}

func TestWeights(t *testing.T) {
	w := Weights(0, 10)
	if w[0] != 1 {
		t.Errorf("w[0] at lambda 0 got %g; want 1", w[0])
	}
	for k := 1; k < len(w); k++ {
		if w[k] != 0 {
			t.Errorf("w[%d] at lambda 0 got %g; want 0", k, w[k])
		}
	}

	w = Weights(2, 30)
	sum := float64(0)
	for k, wk := range w {
		want := math.Pow(2, float64(k)) * math.Exp(-2) / math.Gamma(float64(k+1))
		if math.Abs(wk-want) > 1e-12 {
			t.Errorf("w[%d] got %g; want %g", k, wk, want)
		}
		sum += wk
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("sum of weights got %g; want 1", sum)
	}
}

func TestTermsFor(t *testing.T) {
	var tests = []struct {
		lambda float64
		tol    float64
		want   int
	}{
		{0, 1e-6, MinTerms},
		{0.3, 1e-6, 6},
		{1, 1e-6, 10},
		{100, 1e-6, MaxTerms},
	}
	for _, tc := range tests {
		got := TermsFor(tc.lambda, tc.tol)
		if got != tc.want {
			t.Errorf("TermsFor(%g,%g) got %d; want %d", tc.lambda, tc.tol, got, tc.want)
		}
	}
	for _, lambda := range []float64{0.1, 0.5, 1, 2, 5} {
		k := TermsFor(lambda, 1e-6)
		w := Weights(lambda, k)
		sum := float64(0)
		for _, wk := range w {
			sum += wk
		}
		if k < MaxTerms && 1-sum >= 1e-6 {
			t.Errorf("TermsFor(%g) = %d leaves tail mass %g", lambda, k, 1-sum)
		}
	}
}

func TestDensityIntegral(t *testing.T) {
	for _, p := range testParams {
		lo := p.Offset - 10*p.Sigma
		hi := p.Offset + p.ADU*float64(p.terms()) + 10*p.Sigma
		step := p.Sigma / 20
		sum := float64(0)
		for x := lo; x < hi; x += step {
			sum += Density(x+0.5*step, p) * step
		}
		w := Weights(p.Lambda, p.terms())
		mass := float64(0)
		for _, wk := range w {
			mass += wk
		}
		want := p.N * mass
		if math.Abs(sum-want) > 1e-4*want {
			t.Errorf("%v: integral got %g; want %g", p, sum, want)
		}
	}
}

func TestCDF(t *testing.T) {
	for _, p := range testParams {
		lo := p.Offset - 20*p.Sigma
		hi := p.Offset + p.ADU*float64(p.terms()) + 20*p.Sigma
		if c := CDF(lo, p); c > 1e-9 {
			t.Errorf("%v: CDF(%g) got %g; want 0", p, lo, c)
		}
		w := Weights(p.Lambda, p.terms())
		mass := float64(0)
		for _, wk := range w {
			mass += wk
		}
		if c := CDF(hi, p); math.Abs(c-mass) > 1e-9 {
			t.Errorf("%v: CDF(%g) got %g; want %g", p, hi, c, mass)
		}
		prev := float64(0)
		for x := lo; x <= hi; x += p.Sigma / 4 {
			c := CDF(x, p)
			if c < prev {
				t.Errorf("%v: CDF not monotone at %g: %g < %g", p, x, c, prev)
			}
			prev = c
		}
		if tail := Tail(lo, hi, p); math.Abs(tail-p.N*mass) > 1e-6*p.N {
			t.Errorf("%v: tail got %g; want %g", p, tail, p.N*mass)
		}
	}
}

func TestGradient(t *testing.T) {
	grad := make([]float64, NumParams)
	for _, p := range testParams {
		for _, dx := range []float64{-1, 0, 0.5, 1, 2, 3} {
			x := p.Offset + dx*p.Sigma + p.ADU*p.Lambda
			Gradient(grad, x, p)
			v := p.Vector()
			for j := range v {
				h := 1e-6 * math.Max(math.Abs(v[j]), 1)
				up, down := append([]float64{}, v...), append([]float64{}, v...)
				up[j] += h
				down[j] -= h
				if j == IndexLambda && down[j] < 0 {
					// one-sided at the boundary
					down[j] = v[j]
					up[j] = v[j] + 2*h
				}
				want := (Density(x, p.WithVector(up)) - Density(x, p.WithVector(down))) / (up[j] - down[j])
				tol := 1e-4*math.Abs(want) + 1e-6*Density(x, p)/math.Max(math.Abs(v[j]), 1)
				if math.Abs(grad[j]-want) > tol+1e-9 {
					t.Errorf("%v x=%g: d/d%s got %g; want %g", p, x, ParamNames[j], grad[j], want)
				}
			}
		}
	}
}

func TestVectorRoundTrip(t *testing.T) {
	p := testParams[0]
	q := p.WithVector(p.Vector())
	if q != p {
		t.Errorf("got %v; want %v", q, p)
	}
}
