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

package fits

import (
	"errors"

	"github.com/ccddrone/ccdanalyze/internal/mixture"
	"github.com/valyala/fastrand"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Options for synthetic exposures
type SynthOptions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Frames int `json:"frames"` // Number of frames, >1 yields a 3D skipper stack

	Noise mixture.Params `json:"noise"` // Readout noise, dark current, offset and gain. N and Terms are ignored

	MinTracks int     `json:"minTracks"` // Random particle tracks per frame, drawn from [MinTracks, MaxTracks)
	MaxTracks int     `json:"maxTracks"`
	TrackMin  float64 `json:"trackMin"` // Track pixel values in ADU, drawn from [TrackMin, TrackMax)
	TrackMax  float64 `json:"trackMax"`

	Seed uint64 `json:"seed"`
}

// Default options for a synthetic exposure, close to the DummyDrone test frames
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Width:     400,
		Height:    200,
		Frames:    1,
		Noise:     mixture.Params{Sigma: 50, Lambda: 0.1, Offset: 500, ADU: 10},
		MinTracks: 4,
		MaxTracks: 15,
		TrackMin:  200,
		TrackMax:  2000,
		Seed:      1,
	}
}

var errSynthShape = errors.New("synthetic image needs positive width and height")

// Creates a synthetic exposure. Each pixel holds offset + ADU*k + noise, with
// k Poisson distributed dark electrons and normally distributed readout noise.
// Random walks of bright pixels between two random points emulate particle
// tracks. Values below zero are clipped to zero like a saturated ADC.
func NewSynthImage(opts SynthOptions) (*Image, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errSynthShape
	}
	frames := opts.Frames
	if frames < 1 {
		frames = 1
	}
	naxisn := []int32{int32(opts.Width), int32(opts.Height)}
	if frames > 1 {
		naxisn = append(naxisn, int32(frames))
	}
	img := NewImageFromNaxisn(naxisn, nil)

	src := rand.NewSource(opts.Seed)
	noise := distuv.Normal{Mu: 0, Sigma: opts.Noise.Sigma, Src: src}
	var dark *distuv.Poisson
	if opts.Noise.Lambda > 0 {
		dark = &distuv.Poisson{Lambda: opts.Noise.Lambda, Src: src}
	}
	var rng fastrand.RNG
	rng.Seed(uint32(opts.Seed) ^ uint32(opts.Seed>>32))

	for f := 0; f < frames; f++ {
		frame := img.Frame(f)
		for i := range frame {
			v := opts.Noise.Offset
			if opts.Noise.Sigma > 0 {
				v += noise.Rand()
			}
			if dark != nil {
				v += opts.Noise.ADU * dark.Rand()
			}
			if v < 0 {
				v = 0
			}
			frame[i] = v
		}
		addTracks(frame, opts, &rng)
	}
	img.Header.Strings["ORIGIN"] = "ccdanalyze fake"
	img.Header.Floats["SIGMA"] = opts.Noise.Sigma
	img.Header.Floats["LAMBDA"] = opts.Noise.Lambda
	img.Header.Floats["ADU"] = opts.Noise.ADU
	return img, nil
}

func addTracks(frame []float64, opts SynthOptions, rng *fastrand.RNG) {
	if opts.MaxTracks <= opts.MinTracks || opts.TrackMax <= opts.TrackMin {
		return
	}
	w, h := uint32(opts.Width), uint32(opts.Height)
	numTracks := opts.MinTracks + int(rng.Uint32n(uint32(opts.MaxTracks-opts.MinTracks)))
	for t := 0; t < numTracks; t++ {
		x, y := int(rng.Uint32n(w)), int(rng.Uint32n(h))
		ex, ey := int(rng.Uint32n(w)), int(rng.Uint32n(h))
		for x != ex || y != ey {
			frame[y*opts.Width+x] = opts.TrackMin + (opts.TrackMax-opts.TrackMin)*float64(rng.Uint32n(1<<24))/(1<<24)
			dx, dy := sign(ex-x), sign(ey-y)
			// step along x, along y or diagonally
			switch rng.Uint32n(3) {
			case 0:
				x += dx
			case 1:
				y += dy
			default:
				x, y = x+dx, y+dy
			}
		}
	}
}

func sign(i int) int {
	switch {
	case i > 0:
		return 1
	case i < 0:
		return -1
	}
	return 0
}
