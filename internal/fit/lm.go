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

// Package fit implements nonlinear least squares fitting of binned data,
// with a Levenberg-Marquardt driver at its core and convenience fits for
// Gaussians, Poisson distributions, lines and the pixel mixture model.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

var (
	ErrNotConverged     = errors.New("fit did not converge")
	ErrSingular         = errors.New("fit normal matrix is singular")
	ErrInsufficientData = errors.New("fewer data points than free parameters")
	ErrInvalidInput     = errors.New("invalid fit input")
)

// Outcome of a fit
type Status int

const (
	Converged Status = iota
	NotConverged
	Singular
	InvalidInput
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case NotConverged:
		return "not converged"
	case Singular:
		return "singular"
	case InvalidInput:
		return "invalid input"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Marshals the status as its string form, for JSON reports
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Maps an error returned by Solve to the fit status
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Converged
	case errors.Is(err, ErrNotConverged):
		return NotConverged
	case errors.Is(err, ErrSingular):
		return Singular
	}
	return InvalidInput
}

// A least squares problem: find parameters p minimizing
// sum_i (w_i*(Y_i - Model(X_i, p)))^2
type Problem struct {
	X, Y    []float64
	Weights []float64 // Optional per point weights, nil for all 1

	Model func(x float64, p []float64) float64
	// Optional analytic partial derivatives of Model with respect to all
	// parameters. Central finite differences are used if nil
	Grad func(grad []float64, x float64, p []float64)

	Fixed []bool    // Optional, true for parameters held at their initial value
	Lower []float64 // Optional lower bounds, enforced by projection. -Inf for none
}

// Settings for the Levenberg-Marquardt driver
type Settings struct {
	MaxIterations int     // Maximum number of Jacobian evaluations
	FTol          float64 // Relative reduction in cost below which the fit has converged
	XTol          float64 // Relative step size below which the fit has converged
	GTol          float64 // Cosine between residuals and Jacobian columns below which the fit has converged
	Tau           float64 // Initial damping relative to the scaled normal matrix
}

// Default settings for the Levenberg-Marquardt driver
func DefaultSettings() *Settings {
	return &Settings{
		MaxIterations: 200,
		FTol:          1.49e-8,
		XTol:          1.49e-8,
		GTol:          1e-10,
		Tau:           1e-3,
	}
}

// Result of a fit. X and Errors are full parameter vectors, fixed parameters
// have zero error, undetermined ones NaN. Cov is nil unless the fit converged.
type Result struct {
	X            []float64
	Errors       []float64
	Cov          *mat.SymDense
	Undetermined []int // Free parameters without influence on the model at the solution
	Cost         float64 // Weighted sum of squared residuals
	ChiSqRed     float64 // Cost per degree of freedom
	Iterations   int
	Status       Status
}

// Damping beyond which no downhill step is expected to be found
const maxDamping = 1e32

// Fits the problem starting from p0 with Levenberg-Marquardt, using Marquardt's
// diagonal scaling and Nielsen's damping updates. If the initial point is
// degenerate, a Nelder-Mead pass on the sum of squares moves it before the
// driver is retried once. The result is filled in on failure too, holding the
// best parameters found.
func Solve(prob Problem, p0 []float64, settings *Settings) (res Result, err error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	res = Result{X: append([]float64{}, p0...), Errors: make([]float64, len(p0)), Status: InvalidInput}
	if err := prob.validate(p0); err != nil {
		return res, err
	}

	s := newSolver(&prob, p0, settings)
	s.project(s.x)
	if s.degenerate() {
		s.nelderMead()
		if s.degenerate() {
			res.X, res.Cost, res.Status = s.x, s.cost, Singular
			return res, fmt.Errorf("%w: degenerate initial parameters %v", ErrSingular, p0)
		}
	}

	err = s.iterate()
	res.X, res.Cost, res.Iterations = s.x, s.cost, s.iterations
	res.ChiSqRed = s.cost / float64(s.n-len(s.free))
	if err != nil {
		res.Status = StatusOf(err)
		return res, err
	}

	if err := s.covariance(&res); err != nil {
		res.Status = Singular
		return res, err
	}
	res.Status = Converged
	return res, nil
}

// Validates problem dimensions and the initial parameters
func (prob *Problem) validate(p0 []float64) error {
	n, p := len(prob.X), len(p0)
	if prob.Model == nil {
		return fmt.Errorf("%w: no model", ErrInvalidInput)
	}
	if len(prob.Y) != n || (prob.Weights != nil && len(prob.Weights) != n) {
		return fmt.Errorf("%w: %d x values, %d y values, %d weights", ErrInvalidInput, n, len(prob.Y), len(prob.Weights))
	}
	if (prob.Fixed != nil && len(prob.Fixed) != p) || (prob.Lower != nil && len(prob.Lower) != p) {
		return fmt.Errorf("%w: %d parameters, %d fixed flags, %d bounds", ErrInvalidInput, p, len(prob.Fixed), len(prob.Lower))
	}
	for _, v := range p0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: initial parameters %v", ErrInvalidInput, p0)
		}
	}
	for i := range prob.Y {
		if math.IsNaN(prob.Y[i]) || math.IsInf(prob.Y[i], 0) || math.IsNaN(prob.X[i]) || math.IsInf(prob.X[i], 0) {
			return fmt.Errorf("%w: non-finite data point %d", ErrInvalidInput, i)
		}
	}
	free := 0
	for j := range p0 {
		if prob.Fixed == nil || !prob.Fixed[j] {
			free++
		}
	}
	if free == 0 {
		return fmt.Errorf("%w: no free parameters", ErrInvalidInput)
	}
	if n <= free {
		return fmt.Errorf("%w: %d points for %d free parameters", ErrInsufficientData, n, free)
	}
	return nil
}

// Working state of one Levenberg-Marquardt run
type solver struct {
	prob     *Problem
	settings *Settings
	n        int
	free     []int     // Indices of free parameters
	x        []float64 // Current full parameter vector
	cost     float64   // Cost at x
	resid    []float64 // Weighted residuals at x
	jac      *mat.Dense
	a        *mat.SymDense // Normal matrix JtJ
	g        *mat.VecDense // Jt r
	grad     []float64     // Scratch for analytic gradients

	iterations int
}

func newSolver(prob *Problem, p0 []float64, settings *Settings) *solver {
	s := &solver{
		prob:     prob,
		settings: settings,
		n:        len(prob.X),
		x:        append([]float64{}, p0...),
		resid:    make([]float64, len(prob.X)),
		grad:     make([]float64, len(p0)),
	}
	for j := range p0 {
		if prob.Fixed == nil || !prob.Fixed[j] {
			s.free = append(s.free, j)
		}
	}
	p := len(s.free)
	s.jac = mat.NewDense(s.n, p, nil)
	s.a = mat.NewSymDense(p, nil)
	s.g = mat.NewVecDense(p, nil)
	return s
}

// Returns the weight of data point i
func (s *solver) weight(i int) float64 {
	if s.prob.Weights == nil {
		return 1
	}
	return s.prob.Weights[i]
}

// Clamps the free parameters of x to their lower bounds
func (s *solver) project(x []float64) {
	if s.prob.Lower == nil {
		return
	}
	for _, j := range s.free {
		if x[j] < s.prob.Lower[j] {
			x[j] = s.prob.Lower[j]
		}
	}
}

// Computes weighted residuals at x into resid, and returns their sum of squares
func (s *solver) sumSquares(x, resid []float64) float64 {
	sum := float64(0)
	for i, xi := range s.prob.X {
		r := s.weight(i) * (s.prob.Y[i] - s.prob.Model(xi, x))
		resid[i] = r
		sum += r * r
	}
	return sum
}

// Evaluates the Jacobian of the weighted model at x
func (s *solver) jacobian(x []float64) {
	if s.prob.Grad != nil {
		for i, xi := range s.prob.X {
			s.prob.Grad(s.grad, xi, x)
			w := s.weight(i)
			for c, j := range s.free {
				s.jac.Set(i, c, w*s.grad[j])
			}
		}
		return
	}

	full := append([]float64{}, x...)
	model := func(y, v []float64) {
		for c, j := range s.free {
			full[j] = v[c]
		}
		for i, xi := range s.prob.X {
			y[i] = s.weight(i) * s.prob.Model(xi, full)
		}
	}
	fd.Jacobian(s.jac, model, s.freeVector(x), &fd.JacobianSettings{Formula: fd.Central})
}

// Returns the free parameters of x
func (s *solver) freeVector(x []float64) []float64 {
	v := make([]float64, len(s.free))
	for c, j := range s.free {
		v[c] = x[j]
	}
	return v
}

// Recomputes cost, Jacobian, normal matrix and gradient at the current point
func (s *solver) linearize() {
	s.cost = s.sumSquares(s.x, s.resid)
	s.jacobian(s.x)
	s.a.SymOuterK(1, s.jac.T())
	s.g.MulVec(s.jac.T(), mat.NewVecDense(s.n, s.resid))
}

// Linearizes at the current point and reports whether it is unusable as a
// starting point: non-finite cost, or a parameter without influence on the model
func (s *solver) degenerate() bool {
	s.linearize()
	if math.IsNaN(s.cost) || math.IsInf(s.cost, 0) {
		return true
	}
	for c := range s.free {
		d := s.a.At(c, c)
		if !(d > 0) || math.IsInf(d, 0) {
			return true
		}
	}
	return false
}

// Moves the current point with a Nelder-Mead search on the sum of squares
func (s *solver) nelderMead() {
	full := append([]float64{}, s.x...)
	resid := make([]float64, s.n)
	problem := optimize.Problem{
		Func: func(v []float64) float64 {
			for c, j := range s.free {
				full[j] = v[c]
			}
			s.project(full)
			sum := s.sumSquares(full, resid)
			if math.IsNaN(sum) || math.IsInf(sum, 0) {
				return math.MaxFloat64
			}
			return sum
		},
	}
	result, _ := optimize.Minimize(problem, s.freeVector(s.x), nil, &optimize.NelderMead{})
	if result == nil {
		return
	}
	for c, j := range s.free {
		s.x[j] = result.X[c]
	}
	s.project(s.x)
}

// Runs the damped Gauss-Newton iteration from the current, linearized point
func (s *solver) iterate() error {
	p := len(s.free)
	mu, nu := s.settings.Tau, 2.0
	damped := mat.NewSymDense(p, nil)
	delta := mat.NewVecDense(p, nil)
	ad := mat.NewVecDense(p, nil)
	rhs := mat.NewVecDense(p, nil)
	xNew := make([]float64, len(s.x))
	residNew := make([]float64, s.n)
	var chol mat.Cholesky

	for s.iterations = 1; s.iterations <= s.settings.MaxIterations; s.iterations++ {
		if s.gradientConverged() {
			return nil
		}

		// Marquardt scaling, floored for parameters that lost influence
		diag := make([]float64, p)
		maxDiag := float64(0)
		for c := 0; c < p; c++ {
			diag[c] = s.a.At(c, c)
			maxDiag = math.Max(maxDiag, diag[c])
		}
		for c := range diag {
			diag[c] = math.Max(diag[c], 1e-12*maxDiag)
		}

		// Parameters on their lower bound with the descent direction pointing
		// outside are held for this iteration
		active := s.activeBounds()
		rhs.CopyVec(s.g)
		for c := range active {
			if active[c] {
				rhs.SetVec(c, 0)
			}
		}

		for {
			damped.CopySym(s.a)
			for c := 0; c < p; c++ {
				damped.SetSym(c, c, s.a.At(c, c)+mu*diag[c])
			}
			for c := range active {
				if !active[c] {
					continue
				}
				for r := 0; r < p; r++ {
					damped.SetSym(r, c, 0)
				}
				damped.SetSym(c, c, 1)
			}
			if !chol.Factorize(damped) || chol.SolveVecTo(delta, rhs) != nil {
				if mu, nu = mu*nu, 2*nu; mu > maxDamping {
					return fmt.Errorf("%w: no downhill step after %d iterations", ErrNotConverged, s.iterations)
				}
				continue
			}

			copy(xNew, s.x)
			for c, j := range s.free {
				xNew[j] += delta.AtVec(c)
			}
			s.project(xNew)
			for c, j := range s.free {
				delta.SetVec(c, xNew[j]-s.x[j])
			}

			ad.MulVec(s.a, delta)
			predicted := 2*mat.Dot(delta, s.g) - mat.Dot(delta, ad)
			costNew := s.sumSquares(xNew, residNew)
			rho := -1.0
			if predicted > 0 && !math.IsNaN(costNew) && !math.IsInf(costNew, 0) {
				rho = (s.cost - costNew) / predicted
			}

			small := s.stepConverged(xNew)
			if rho > 0 {
				actual := s.cost - costNew
				relCost := actual <= s.settings.FTol*s.cost && predicted <= s.settings.FTol*s.cost && rho <= 2
				copy(s.x, xNew)
				mu *= math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
				nu = 2
				s.linearize()
				if relCost || small {
					return nil
				}
				break
			}
			if small {
				return nil
			}
			if mu, nu = mu*nu, 2*nu; mu > maxDamping {
				return fmt.Errorf("%w: no downhill step after %d iterations", ErrNotConverged, s.iterations)
			}
		}
	}
	s.iterations = s.settings.MaxIterations
	return fmt.Errorf("%w: %d iterations exceeded", ErrNotConverged, s.settings.MaxIterations)
}

// Flags the free parameters sitting on their lower bound whose descent
// direction points below it
func (s *solver) activeBounds() []bool {
	active := make([]bool, len(s.free))
	if s.prob.Lower == nil {
		return active
	}
	for c, j := range s.free {
		active[c] = s.x[j] <= s.prob.Lower[j] && s.g.AtVec(c) < 0
	}
	return active
}

// Reports whether the residuals are orthogonal to all Jacobian columns of
// parameters not held on a bound
func (s *solver) gradientConverged() bool {
	if s.cost == 0 {
		return true
	}
	norm := math.Sqrt(s.cost)
	active := s.activeBounds()
	for c := range s.free {
		d := s.a.At(c, c)
		if d <= 0 || active[c] {
			continue
		}
		if math.Abs(s.g.AtVec(c))/(math.Sqrt(d)*norm) > s.settings.GTol {
			return false
		}
	}
	return true
}

// Reports whether the step to xNew is small relative to every free parameter
func (s *solver) stepConverged(xNew []float64) bool {
	tol := s.settings.XTol
	for _, j := range s.free {
		if math.Abs(xNew[j]-s.x[j]) > tol*(math.Abs(s.x[j])+tol) {
			return false
		}
	}
	return true
}

// Computes the parameter covariance inv(JtJ)*cost/(n-p) at the solution and
// the standard errors. The normal matrix is scaled to unit diagonal before
// factorization, so the condition check does not depend on parameter units.
// Free parameters the model does not depend on at the solution, such as the
// ADU per electron when the dark current sits at zero, are left out; their
// errors are NaN and their covariance entries zero.
func (s *solver) covariance(res *Result) error {
	var used []int // Positions into s.free
	for c, j := range s.free {
		d := s.a.At(c, c)
		switch {
		case math.IsNaN(d) || math.IsInf(d, 0):
			return fmt.Errorf("%w: parameter %d has non-finite influence on the model", ErrSingular, j)
		case d > 0:
			used = append(used, c)
		default:
			res.Undetermined = append(res.Undetermined, j)
		}
	}
	p := len(used)
	if p == 0 {
		return fmt.Errorf("%w: no parameter has influence on the model", ErrSingular)
	}
	scale := make([]float64, p)
	for r, c := range used {
		scale[r] = 1 / math.Sqrt(s.a.At(c, c))
	}
	scaled := mat.NewSymDense(p, nil)
	for r := 0; r < p; r++ {
		for c := r; c < p; c++ {
			scaled.SetSym(r, c, s.a.At(used[r], used[c])*scale[r]*scale[c])
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(scaled) {
		return fmt.Errorf("%w: normal matrix not positive definite", ErrSingular)
	}
	if cond := chol.Cond(); cond > 1e14 {
		return fmt.Errorf("%w: condition number %.3g", ErrSingular, cond)
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return fmt.Errorf("%w: %v", ErrSingular, err)
	}

	factor := s.cost / float64(s.n-len(s.free))
	res.Cov = mat.NewSymDense(len(s.x), nil)
	for r := 0; r < p; r++ {
		jr := s.free[used[r]]
		for c := r; c < p; c++ {
			res.Cov.SetSym(jr, s.free[used[c]], inv.At(r, c)*scale[r]*scale[c]*factor)
		}
	}
	for j := range res.Errors {
		res.Errors[j] = math.Sqrt(res.Cov.At(j, j))
	}
	if floats.HasNaN(res.Errors) {
		return fmt.Errorf("%w: non-finite parameter errors", ErrSingular)
	}
	for _, j := range res.Undetermined {
		res.Errors[j] = math.NaN()
	}
	return nil
}
