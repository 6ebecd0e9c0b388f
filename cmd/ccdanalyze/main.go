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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	nl "github.com/ccddrone/ccdanalyze/internal"
	"github.com/ccddrone/ccdanalyze/internal/batch"
	"github.com/ccddrone/ccdanalyze/internal/config"
	"github.com/ccddrone/ccdanalyze/internal/fits"
	"github.com/ccddrone/ccdanalyze/internal/rest"
	"github.com/ccddrone/ccdanalyze/internal/stats"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", config.FileName, "load settings from YAML `file`, if it exists. Flags take precedence")

var fakeWidth  = flag.Int("width", 400, "fake: image width in pixels")
var fakeHeight = flag.Int("height", 200, "fake: image height in pixels")
var fakeFrames = flag.Int("frames", 1, "fake: number of skipper frames, 1=2D image")
var fakeSeed   = flag.Uint64("seed", 1, "fake: random seed")
var fakeBitpix = flag.Int("bitpix", -32, "fake: FITS bits per pixel, one of 16, -32, -64")

func init() {
	config.RegisterFlags(flag.CommandLine, config.Default())
}

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `ccdanalyze Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stats|analyze|fake|serve|watch|mkconf|conf|legal|version) (img0.fits ... imgn.fits)

Commands:
  stats   Show input image statistics
  analyze Fit the pixel distribution of input images and report noise, dark current and quality metrics
  fake    Write a synthetic exposure with random tracks to the given file
  serve   Serve the analysis REST API
  watch   Analyze FITS files as they appear in the given directory
  mkconf  Write the current settings to the configuration file
  conf    Show the current settings
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configFile, flag.CommandLine)
	if err != nil {
		nl.LogFatalf("Error loading configuration: %s\n", err.Error())
	}

	// Initialize logging to file in addition to stdout, if selected
	if cfg.Log != "" {
		if err := nl.LogAlsoToFile(cfg.Log); err != nil {
			nl.LogFatalf("Unable to open logfile '%s'\n", cfg.Log)
		}
	}
	logWriter := nl.LogWriter()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "stats":
		err = cmdStats(args[1:], logWriter)

	case "analyze":
		err = cmdAnalyze(ctx, args[1:], cfg, logWriter)

	case "fake":
		err = cmdFake(args[1:], logWriter)

	case "serve":
		err = cmdServe(cfg, logWriter)

	case "watch":
		err = cmdWatch(ctx, args[1:], cfg, logWriter)

	case "mkconf":
		fileName := *configFile
		if len(args) > 1 {
			fileName = args[1]
		}
		err = writeConfig(fileName, cfg)
		if err == nil {
			fmt.Fprintf(logWriter, "Wrote settings to %s\n", fileName)
		}

	case "conf":
		err = cfg.WriteYAML(logWriter)

	case "legal":
		cmdLegal()

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			nl.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			nl.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogSync()
}

// Prints basic and robust statistics of the given files
func cmdStats(patterns []string, logWriter io.Writer) error {
	jobs, err := batch.Glob(patterns, false, logWriter)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		img, err := fits.NewImageFromFile(job.FileName, job.ID, logWriter)
		if err != nil {
			return err
		}
		s, err := stats.CalcBasicStats(img.Data)
		if err != nil {
			return fmt.Errorf("%d: %s: %w", job.ID, job.FileName, err)
		}
		robust, err := stats.MedianMAD(img.Data)
		if err != nil {
			return fmt.Errorf("%d: %s: %w", job.ID, job.FileName, err)
		}
		fmt.Fprintf(logWriter, "%d: %s %s %s Median %.6g MAD %.4g\n",
			job.ID, job.FileName, img.DimensionsToString(), s, robust.Med, robust.MAD)
	}
	return nil
}

// Analyzes the given files in parallel, prints the reports and optionally appends them to CSV
func cmdAnalyze(ctx context.Context, patterns []string, cfg config.Config, logWriter io.Writer) error {
	jobs, err := batch.Glob(patterns, false, logWriter)
	if err != nil {
		return err
	}
	bc := cfg.Context(logWriter)
	fmt.Fprintf(logWriter, "%s\n", bc)

	results, err := batch.Run(ctx, jobs, cfg.Options(), bc)
	for _, r := range results {
		if r.Report != nil {
			fmt.Fprintf(logWriter, "\n%s", r.Report)
		}
	}
	if cfg.CSV != "" {
		if csvErr := appendCSV(cfg.CSV, results); csvErr != nil {
			return csvErr
		}
		fmt.Fprintf(logWriter, "Appended results to %s\n", cfg.CSV)
	}
	return err
}

// Appends one line per report to a CSV file, starting with a header if the file is new or empty
func appendCSV(fileName string, results []batch.Result) error {
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	needHeader := st.Size() == 0
	for _, r := range results {
		if r.Report == nil {
			continue
		}
		if needHeader {
			if _, err = fmt.Fprintln(f, r.Report.ToCSVHeader()); err != nil {
				return err
			}
			needHeader = false
		}
		if _, err = fmt.Fprintln(f, r.Report.ToCSVLine()); err != nil {
			return err
		}
	}
	return f.Close()
}

// Writes a synthetic exposure
func cmdFake(args []string, logWriter io.Writer) error {
	fileName := "fake.fits"
	if len(args) > 0 {
		fileName = args[0]
	}
	opts := fits.DefaultSynthOptions()
	opts.Width, opts.Height, opts.Frames = *fakeWidth, *fakeHeight, *fakeFrames
	opts.Seed = *fakeSeed
	img, err := fits.NewSynthImage(opts)
	if err != nil {
		return err
	}
	img.FileName = fileName
	fmt.Fprintf(logWriter, "Writing %s synthetic exposure to %s\n", img.DimensionsToString(), fileName)
	return img.WriteFile(fileName, *fakeBitpix)
}

// Serves the REST API, optionally from within a sandbox
func cmdServe(cfg config.Config, logWriter io.Writer) error {
	plotDir, err := filepath.Abs(cfg.PlotDir)
	if err != nil {
		return err
	}
	if err = rest.MakeSandbox(cfg.Chroot, cfg.Setuid, logWriter); err != nil {
		return err
	}
	if cfg.Chroot != "" {
		plotDir = cfg.PlotDir // relative to the new root
	}
	s := &rest.Server{
		Options: cfg.Options(),
		Context: cfg.Context(logWriter),
		PlotDir: plotDir,
	}
	fmt.Fprintf(logWriter, "%s\n", s.Context)
	return s.Serve(cfg.Addr)
}

// Watches a directory and prints a report for each new FITS file until interrupted
func cmdWatch(ctx context.Context, args []string, cfg config.Config, logWriter io.Writer) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	bc := cfg.Context(logWriter)
	fmt.Fprintf(logWriter, "%s\n", bc)

	results := make(chan batch.Result)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range results {
			if r.Report != nil {
				fmt.Fprintf(logWriter, "\n%s", r.Report)
			}
			if cfg.CSV != "" {
				if err := appendCSV(cfg.CSV, []batch.Result{r}); err != nil {
					fmt.Fprintf(logWriter, "Error appending to %s: %s\n", cfg.CSV, err.Error())
				}
			}
		}
	}()
	err := batch.Watch(ctx, dir, cfg.Options(), bc, results)
	close(results)
	<-done
	return err
}

// Writes the settings to a YAML file
func writeConfig(fileName string, cfg config.Config) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = cfg.WriteYAML(f); err != nil {
		return err
	}
	return f.Close()
}
