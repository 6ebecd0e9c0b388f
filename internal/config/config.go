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

// Package config layers analysis settings from built-in defaults, an
// optional YAML file and command line flags, in increasing precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/ccddrone/ccdanalyze/internal/analysis"
	"github.com/ccddrone/ccdanalyze/internal/batch"
	"github.com/ccddrone/ccdanalyze/internal/fit"
	"github.com/ccddrone/ccdanalyze/internal/peaks"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

// Default name of the configuration file
const FileName = "ccdanalyze.yml"

// Settings for the command line tool and the server. Keys match flag names.
type Config struct {
	ADU             float64       `koanf:"adu" yaml:"adu"`
	Terms           int           `koanf:"terms" yaml:"terms"`
	Weighted        bool          `koanf:"weighted" yaml:"weighted"`
	NSigma          float64       `koanf:"nSigma" yaml:"nSigma"`
	MinRange        float64       `koanf:"minRange" yaml:"minRange"`
	Reverse         bool          `koanf:"reverse" yaml:"reverse"`
	NMovingAverage  int           `koanf:"nMovingAverage" yaml:"nMovingAverage"`
	DThresh         float64       `koanf:"dThresh" yaml:"dThresh"`
	AdditionalPeaks int           `koanf:"additionalPeaks" yaml:"additionalPeaks"`
	TailSigma       float64       `koanf:"tailSigma" yaml:"tailSigma"`
	EntropyFrames   int           `koanf:"entropyFrames" yaml:"entropyFrames"`
	NoiseFrames     int           `koanf:"noiseFrames" yaml:"noiseFrames"`
	Skipper         bool          `koanf:"skipper" yaml:"skipper"`
	Plot            string        `koanf:"plot" yaml:"plot"`
	CSV             string        `koanf:"csv" yaml:"csv"`
	Log             string        `koanf:"log" yaml:"log"`
	MaxThreads      int           `koanf:"maxThreads" yaml:"maxThreads"`
	Timeout         time.Duration `koanf:"timeout" yaml:"timeout"`
	ReadWait        time.Duration `koanf:"readWait" yaml:"readWait"`
	Addr            string        `koanf:"addr" yaml:"addr"`
	PlotDir         string        `koanf:"plotDir" yaml:"plotDir"`
	Chroot          string        `koanf:"chroot" yaml:"chroot"`
	Setuid          int           `koanf:"setuid" yaml:"setuid"`
}

// Returns the built-in defaults
func Default() Config {
	opts := analysis.DefaultOptions()
	return Config{
		Terms:           opts.Fit.Terms,
		NSigma:          opts.Histogram.NSigma,
		MinRange:        opts.Histogram.MinRange,
		NMovingAverage:  opts.Peaks.NMovingAverage,
		DThresh:         opts.Peaks.DThresh,
		AdditionalPeaks: opts.AdditionalPeaks,
		TailSigma:       opts.TailSigma,
		EntropyFrames:   opts.EntropyFrames,
		NoiseFrames:     opts.NoiseFrames,
		Skipper:         opts.Skipper,
		Timeout:         5 * time.Minute,
		Addr:            ":8080",
		PlotDir:         "plots",
		Setuid:          -1,
	}
}

// Registers one flag per configuration key on the flag set, with the
// values of c as defaults
func RegisterFlags(fs *flag.FlagSet, c Config) {
	fs.Float64("adu", c.ADU, "fix the ADU per electron to this value, 0=fit it")
	fs.Int("terms", c.Terms, "number of Poisson terms in the mixture model, 0=choose from the initial dark current")
	fs.Bool("weighted", c.Weighted, "weigh histogram bins by 1/sqrt(count) when fitting")
	fs.Float64("nSigma", c.NSigma, "histogram half width in multiples of the MAD")
	fs.Float64("minRange", c.MinRange, "minimum histogram width in ADU, 0=none")
	fs.Bool("reverse", c.Reverse, "mirror the histogram, for readouts where more charge gives lower ADU")
	fs.Int("nMovingAverage", c.NMovingAverage, "moving average length for peak finding")
	fs.Float64("dThresh", c.DThresh, "derivative threshold for peak finding")
	fs.Int("additionalPeaks", c.AdditionalPeaks, "extrapolated peak windows for the peak dark current")
	fs.Float64("tailSigma", c.TailSigma, "tail ratio threshold in standard deviations")
	fs.Int("entropyFrames", c.EntropyFrames, "frames considered for the entropy slope")
	fs.Int("noiseFrames", c.NoiseFrames, "frames considered for the frame noise")
	fs.Bool("skipper", c.Skipper, "compute skipper peak metrics")
	fs.String("plot", c.Plot, "save spectrum plots with given filename pattern, e.g. `spectrum%04d.png`")
	fs.String("csv", c.CSV, "append one CSV line per image to `file`")
	fs.String("log", c.Log, "save log output to `file`")
	fs.Int("maxThreads", c.MaxThreads, "maximum images analyzed in parallel, 0=number of CPUs")
	fs.Duration("timeout", c.Timeout, "time limit per image, 0=none")
	fs.Duration("readWait", c.ReadWait, "time to wait for files still being written, 0=read once, or 30s when watching")
	fs.String("addr", c.Addr, "listen address for serve")
	fs.String("plotDir", c.PlotDir, "directory for spectrum plots requested via serve")
	fs.String("chroot", c.Chroot, "serve: change filesystem root to `dir` before serving, requires root")
	fs.Int("setuid", c.Setuid, "serve: change user id to this value before serving, -1=keep")
}

// Loads the configuration: defaults, then the YAML file if it exists, then
// all flags explicitly set on the flag set, which may be nil.
func Load(fileName string, fs *flag.FlagSet) (c Config, err error) {
	k := koanf.New(".")
	if err = k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if fileName != "" {
		if _, statErr := os.Stat(fileName); statErr == nil {
			if err = k.Load(file.Provider(fileName), yaml.Parser()); err != nil {
				return c, fmt.Errorf("loading config %s: %w", fileName, err)
			}
		}
	}
	if fs != nil {
		set := map[string]interface{}{}
		fs.Visit(func(f *flag.Flag) {
			if g, ok := f.Value.(flag.Getter); ok {
				set[f.Name] = g.Get()
			}
		})
		if err = k.Load(confmap.Provider(set, "."), nil); err != nil {
			return c, err
		}
	}
	err = k.Unmarshal("", &c)
	return c, err
}

// Writes the configuration as YAML
func (c Config) WriteYAML(w io.Writer) error {
	return yml.NewEncoder(w).Encode(c)
}

// Analysis options from the configuration
func (c Config) Options() analysis.Options {
	opts := analysis.DefaultOptions()
	opts.Histogram = stats.HistogramOptions{NSigma: c.NSigma, MinRange: c.MinRange, Reverse: c.Reverse}
	opts.Fit = fit.MixtureOptions{FixedADU: c.ADU, Terms: c.Terms, Weighted: c.Weighted}
	opts.Peaks = peaks.Options{NMovingAverage: c.NMovingAverage, DThresh: c.DThresh}
	opts.AdditionalPeaks = c.AdditionalPeaks
	opts.TailSigma = c.TailSigma
	opts.EntropyFrames = c.EntropyFrames
	opts.NoiseFrames = c.NoiseFrames
	opts.Skipper = c.Skipper
	opts.Plot = c.Plot
	return opts
}

// Batch context from the configuration
func (c Config) Context(log io.Writer) *batch.Context {
	bc := batch.NewContext(log)
	if c.MaxThreads > 0 {
		bc.MaxThreads = c.MaxThreads
	}
	bc.Timeout = c.Timeout
	bc.ReadWait = c.ReadWait
	return bc
}
