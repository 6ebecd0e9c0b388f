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

	"github.com/ccddrone/ccdanalyze/internal/mixture"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

// Default seed for the ADU per electron if not fixed
const DefaultADUGuess = 5

// Default seed for the mean number of electrons per pixel
const DefaultLambdaGuess = 0.5

// Settings for fitting the pixel mixture model to a histogram
type MixtureOptions struct {
	FixedADU float64   `json:"fixedADU"` // If >0, the ADU per electron is held at this value
	Terms    int       `json:"terms"`    // Number of Poisson terms. 0 chooses from the initial lambda
	Weighted bool      `json:"weighted"` // Weigh bins by 1/sqrt(max(count,1))
	Settings *Settings `json:"-"`        // Levenberg-Marquardt settings, nil for defaults
}

// Default mixture fit settings: free ADU, 10 terms, unweighted
func DefaultMixtureOptions() MixtureOptions {
	return MixtureOptions{Terms: mixture.DefaultTerms}
}

// Result of a mixture fit. Errors holds the standard errors in the same layout
// as Params, with zero for fixed parameters. The error is NaN for a parameter
// the fit could not determine, e.g. the ADU when no dark current is present.
type MixtureResult struct {
	Params     mixture.Params `json:"params"`
	Errors     mixture.Params `json:"errors"`
	Status     Status         `json:"status"`
	Iterations int            `json:"iterations"`
	Cost       float64        `json:"cost"`
	ChiSqRed   float64        `json:"chiSqRed"`
}

// Returns true if the fit converged and its parameters are usable
func (r *MixtureResult) OK() bool {
	return r != nil && r.Status == Converged
}

// Pretty print fit result to string
func (r *MixtureResult) String() string {
	return fmt.Sprintf("%s: sigma %.4g±%.2g lambda %.4g±%.2g offset %.6g±%.2g adu %.4g±%.2g N %.6g±%.2g chi2/dof %.4g after %d iterations",
		r.Status, r.Params.Sigma, r.Errors.Sigma, r.Params.Lambda, r.Errors.Lambda,
		r.Params.Offset, r.Errors.Offset, r.Params.ADU, r.Errors.ADU, r.Params.N, r.Errors.N,
		r.ChiSqRed, r.Iterations)
}

// Resolves the number of Poisson terms, choosing from lambda if terms is 0
func resolveTerms(terms int, lambda float64) int {
	if terms > 0 {
		return terms
	}
	return mixture.TermsFor(math.Max(2*lambda, 1), 1e-6)
}

// Initial guess from the robust statistics of the histogram: sigma=mad,
// lambda=0.5, offset=med, ADU=5 unless fixed, N=total pixel count
func InitialGuess(h *stats.Histogram, adu float64, terms int) mixture.Params {
	if adu <= 0 {
		adu = DefaultADUGuess
	}
	return mixture.Params{
		Sigma:  h.Robust.MAD,
		Lambda: DefaultLambdaGuess,
		Offset: h.Robust.Med,
		ADU:    adu,
		N:      h.Total,
		Terms:  resolveTerms(terms, DefaultLambdaGuess),
	}
}

// Initial guess from the histogram moments. The excess of mean over the
// pedestal is a*lambda, the excess of variance over the noise is a^2*lambda.
// Falls back to InitialGuess where the moments carry no electron signal.
func MomentGuess(h *stats.Histogram, adu float64, terms int) mixture.Params {
	p := InitialGuess(h, adu, terms)
	mean, variance := h.Moments()
	excessMean := mean - p.Offset
	excessVar := variance - p.Sigma*p.Sigma
	if math.IsNaN(mean) || excessMean <= 0 {
		return p
	}

	if adu > 0 {
		p.Lambda = excessMean / adu
	} else if excessVar > 0 {
		p.ADU = excessVar / excessMean
		p.Lambda = excessMean * excessMean / excessVar
	} else {
		return p
	}
	p.Lambda = math.Min(math.Max(p.Lambda, 0.01), 5)
	p.ADU = math.Max(p.ADU, 1)
	p.Terms = resolveTerms(terms, p.Lambda)
	return p
}

// Fits the mixture model to the histogram starting from init. Lambda is kept
// non-negative and sigma is reported as its absolute value. Never panics;
// failures are reported as status and error, with the best parameters found.
func Mixture(h *stats.Histogram, init mixture.Params, opts MixtureOptions) (res MixtureResult, err error) {
	if opts.Terms > 0 {
		init.Terms = opts.Terms
	}
	init.Terms = resolveTerms(init.Terms, init.Lambda)
	if opts.FixedADU > 0 {
		init.ADU = opts.FixedADU
	}
	res = MixtureResult{Params: init, Status: InvalidInput}
	if h == nil || h.Total <= 0 {
		return res, fmt.Errorf("%w: empty histogram", ErrInsufficientData)
	}

	prob := Problem{
		X: h.Centers,
		Y: h.Counts,
		Model: func(x float64, p []float64) float64 {
			return mixture.Density(x, init.WithVector(p))
		},
		Grad: func(grad []float64, x float64, p []float64) {
			mixture.Gradient(grad, x, init.WithVector(p))
		},
		Fixed: make([]bool, mixture.NumParams),
		Lower: []float64{math.Inf(-1), 0, math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
	prob.Fixed[mixture.IndexADU] = opts.FixedADU > 0
	if opts.Weighted {
		prob.Weights = make([]float64, len(h.Counts))
		for i, c := range h.Counts {
			prob.Weights[i] = 1 / math.Sqrt(math.Max(c, 1))
		}
	}

	r, err := Solve(prob, init.Vector(), opts.Settings)
	res.Params = init.WithVector(r.X)
	res.Params.Sigma = math.Abs(res.Params.Sigma)
	res.Errors = mixture.Params{}.WithVector(r.Errors)
	res.Status, res.Iterations, res.Cost, res.ChiSqRed = r.Status, r.Iterations, r.Cost, r.ChiSqRed
	if err != nil {
		return res, fmt.Errorf("mixture fit from %v: %w", init, err)
	}
	return res, nil
}

// Fits the mixture model from the moment based and the robust initial guesses,
// and returns the converged fit with the lowest cost. If neither converges,
// returns the attempt with the lowest cost and its error.
func BestMixture(h *stats.Histogram, opts MixtureOptions) (best MixtureResult, err error) {
	if h == nil || h.Total <= 0 {
		return MixtureResult{Status: InvalidInput}, fmt.Errorf("%w: empty histogram", ErrInsufficientData)
	}
	seeds := []mixture.Params{
		MomentGuess(h, opts.FixedADU, opts.Terms),
		InitialGuess(h, opts.FixedADU, opts.Terms),
	}

	first := true
	for _, seed := range seeds {
		res, resErr := Mixture(h, seed, opts)
		better := first ||
			(resErr == nil && (err != nil || res.Cost < best.Cost)) ||
			(resErr != nil && err != nil && res.Cost < best.Cost)
		if better {
			best, err, first = res, resErr, false
		}
	}
	return best, err
}
