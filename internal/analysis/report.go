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

package analysis

import (
	"fmt"
	"math"
	"strings"

	"github.com/ccddrone/ccdanalyze/internal/metrics"
)

// Pretty print the report as a block of text, one line per figure.
// Unavailable metrics print as N/A, an unavailable tail ratio as -1.
func (r *Report) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "File              %s\n", r.FileName)
	fmt.Fprintf(&b, "Shape             %s\n", r.Shape)
	if r.Stats != nil {
		fmt.Fprintf(&b, "Min               %.6g\n", r.Stats.Min)
		fmt.Fprintf(&b, "Max               %.6g\n", r.Stats.Max)
		fmt.Fprintf(&b, "Mean              %.6g\n", r.Stats.Mean)
		fmt.Fprintf(&b, "Std               %.6g\n", r.Stats.StdDev)
	}
	fmt.Fprintf(&b, "Median / MAD      %.6g / %.4g\n", r.Robust.Med, r.Robust.MAD)
	fmt.Fprintf(&b, "Fit               %s\n", r.Fit.Status)
	fmt.Fprintf(&b, "Noise             %v\n", r.Noise)
	fmt.Fprintf(&b, "Dark current      %v\n", r.DarkCurrent)
	fmt.Fprintf(&b, "ADU conversion    %v\n", r.ADU)
	fmt.Fprintf(&b, "Tail ratio        %s\n", formatRatio(r.TailRatio))
	fmt.Fprintf(&b, "Entropy slope     %v\n", r.EntropySlope)
	fmt.Fprintf(&b, "Frame noise       %v\n", r.FrameNoise)
	fmt.Fprintf(&b, "Pixel noise       %s\n", formatRatio(r.PixelNoise))
	fmt.Fprintf(&b, "Skipper noise     %v\n", r.SkipperNoise)
	fmt.Fprintf(&b, "Peak dark current %v\n", r.PeakDarkCurrent)
	if r.PlotFile != "" {
		fmt.Fprintf(&b, "Plot              %s\n", r.PlotFile)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "Unavailable       %s: %s\n", f.Metric, f.Err)
	}
	return b.String()
}

func formatRatio(v float64) string {
	if v < 0 {
		return "-1"
	}
	return fmt.Sprintf("%.3g", v)
}

// Pretty print report to CSV header
func (r *Report) ToCSVHeader() string {
	return "ID,FileName,Shape,Min,Max,Mean,StdDev,Median,MAD,Status," +
		"Noise,NoiseErr,DarkCurrent,DarkCurrentErr,ADU,ADUErr,TailRatio," +
		"EntropySlope,EntropySlopeErr,FrameNoise,FrameNoiseErr," +
		"SkipperNoise,SkipperNoiseErr,PeakDarkCurrent,PeakDarkCurrentErr,PixelNoise"
}

// Pretty print report to CSV line item. Unavailable metrics are -1
func (r *Report) ToCSVLine() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%d,%s,%s,", r.ID, csvQuote(r.FileName), r.Shape)
	if r.Stats != nil {
		fmt.Fprintf(&b, "%s,", r.Stats.ToCSVLine())
	} else {
		b.WriteString(",,,,")
	}
	fmt.Fprintf(&b, "%.6g,%.4g,%s", r.Robust.Med, r.Robust.MAD, r.Fit.Status)
	for _, v := range []metrics.ValErr{r.Noise, r.DarkCurrent, r.ADU} {
		fmt.Fprintf(&b, ",%.6g,%.4g", v.Value, v.Err)
	}
	fmt.Fprintf(&b, ",%.6g", r.TailRatio)
	for _, v := range []metrics.ValErr{r.EntropySlope, r.FrameNoise, r.SkipperNoise, r.PeakDarkCurrent} {
		fmt.Fprintf(&b, ",%.6g,%.4g", v.Value, v.Err)
	}
	fmt.Fprintf(&b, ",%.6g", r.PixelNoise)
	return b.String()
}

func csvQuote(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
}

// Replaces non-finite numbers with -1, as JSON cannot represent them. They
// arise from failed fits, from regressions over two points, and from NaN
// pixels in floating point images.
func (r *Report) sanitize() {
	fp, fe := &r.Fit.Params, &r.Fit.Errors
	fs := []*float64{
		&r.TailRatio, &r.PixelNoise, &r.Fit.Cost, &r.Fit.ChiSqRed,
		&fp.Sigma, &fp.Lambda, &fp.Offset, &fp.ADU, &fp.N,
		&fe.Sigma, &fe.Lambda, &fe.Offset, &fe.ADU, &fe.N,
		&r.Robust.Med, &r.Robust.MAD,
	}
	if r.Stats != nil {
		fs = append(fs, &r.Stats.Min, &r.Stats.Max, &r.Stats.Mean, &r.Stats.StdDev)
	}
	for _, v := range []*metrics.ValErr{&r.Noise, &r.DarkCurrent, &r.ADU, &r.EntropySlope,
		&r.SkipperNoise, &r.PeakDarkCurrent, &r.FrameNoise} {
		fs = append(fs, &v.Value, &v.Err)
	}
	for i := range r.Entropies {
		fs = append(fs, &r.Entropies[i])
	}
	for _, f := range fs {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = -1
		}
	}
}
