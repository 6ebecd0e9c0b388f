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

// Package batch analyzes many image files concurrently, within the limits
// of the available cores and memory.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/ccddrone/ccdanalyze/internal/analysis"
	"github.com/ccddrone/ccdanalyze/internal/fits"
)

// An execution context for batch analysis
type Context struct {
	Log        io.Writer     `json:"-"`
	MemoryMB   int           `json:"memoryMB"`   // memory.TotalMemory()/1024/1024
	BudgetMB   int           `json:"budgetMB"`   // MemoryMB*7/10
	MaxThreads int           `json:"maxThreads"` // Upper bound on concurrently analyzed images
	Timeout    time.Duration `json:"timeout"`    // Wall clock limit per image, 0 for none
	ReadWait   time.Duration `json:"readWait"`   // How long to wait for files still being written, 0 to read once
}

func NewContext(log io.Writer) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	return &Context{
		Log:        log,
		MemoryMB:   memoryMB,
		BudgetMB:   memoryMB * 7 / 10,
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}

// Describes the machine the batch runs on
func (c *Context) String() string {
	return fmt.Sprintf("%s with %d physical cores, AVX2 %v, %d MiB memory, using up to %d threads",
		strings.TrimSpace(cpuid.CPU.BrandName), cpuid.CPU.PhysicalCores, cpuid.CPU.AVX2(), c.MemoryMB, c.MaxThreads)
}

// Number of images to analyze concurrently, if each needs the given MiB
func (c *Context) Threads(perImageMB int) int {
	threads := c.MaxThreads
	if threads < 1 {
		threads = 1
	}
	if perImageMB > 0 && c.BudgetMB > 0 {
		if byMemory := c.BudgetMB / perImageMB; byMemory < threads {
			threads = byMemory
		}
	}
	if threads < 1 {
		threads = 1
	}
	return threads
}

// An image file to analyze
type Job struct {
	ID       int    `json:"id"`
	FileName string `json:"fileName"`
}

// The outcome of analyzing one file. Report may be set even if Err is,
// e.g. when only the plot could not be saved.
type Result struct {
	Job
	Report *analysis.Report `json:"report,omitempty"`
	Err    error            `json:"-"`
}

// Turns filename wildcards into a list of jobs. If restrict is set, skips
// matches outside the current directory tree.
func Glob(patterns []string, restrict bool, logWriter io.Writer) (jobs []Job, err error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if restrict && !IsPathAllowed(match) {
				fmt.Fprintf(logWriter, "Pattern match %s outside current directory tree, skipping\n", match)
				continue
			}
			jobs = append(jobs, Job{ID: len(jobs), FileName: match})
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no files to load from pattern %v", patterns)
	}
	fmt.Fprintf(logWriter, "Found %d files.\n", len(jobs))
	return jobs, nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	if strings.Contains(p, "..") {
		return false
	}
	return true
}

// Estimates MiB needed to analyze a file: float64 pixels take four times the
// space of typical 16 bit data, and compressed files are assumed to expand
// about fourfold.
func estimateMB(fileName string) int {
	st, err := os.Stat(fileName)
	if err != nil {
		return 0
	}
	bytes := st.Size() * 4
	lExt := strings.ToLower(filepath.Ext(fileName))
	if lExt == ".gz" || lExt == ".gzip" {
		bytes *= 4
	}
	return int(bytes/1024/1024) + 1
}

// Analyzes all jobs with a concurrency limit from the context. Each image is
// bounded by the context timeout, if any. Results are in job order. The error
// combines the errors of all failed jobs.
func Run(ctx context.Context, jobs []Job, opts analysis.Options, c *Context) (results []Result, err error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	perImageMB := 0
	for _, job := range jobs {
		if mb := estimateMB(job.FileName); mb > perImageMB {
			perImageMB = mb
		}
	}
	threads := c.Threads(perImageMB)
	fmt.Fprintf(c.Log, "Analyzing %d files with %d threads\n", len(jobs), threads)

	results = make([]Result, len(jobs))
	limiter := make(chan bool, threads)
	for i, job := range jobs {
		limiter <- true
		go func(i int, job Job) {
			defer func() { <-limiter }()
			results[i] = analyzeFile(ctx, job, opts, c)
		}(i, job)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}

	for _, res := range results { // collect errors
		if res.Err == nil {
			continue
		}
		if err == nil {
			err = res.Err
		} else {
			err = fmt.Errorf("%w; %w", err, res.Err)
		}
	}
	return results, err
}

// Loads and analyzes one file within the per image timeout
func analyzeFile(ctx context.Context, job Job, opts analysis.Options, c *Context) (res Result) {
	res.Job = job
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var img *fits.Image
	var err error
	if c.ReadWait > 0 {
		img, err = fits.NewImageFromFileWithRetry(ctx, job.FileName, job.ID, c.ReadWait, c.Log)
	} else {
		img, err = fits.NewImageFromFile(job.FileName, job.ID, c.Log)
	}
	if err != nil {
		res.Err = fmt.Errorf("%d: loading %s: %w", job.ID, job.FileName, err)
		fmt.Fprintf(c.Log, "%v\n", res.Err)
		return res
	}

	res.Report, err = analysis.Analyze(ctx, img, opts, c.Log)
	if err != nil {
		res.Err = fmt.Errorf("%d: analyzing %s: %w", job.ID, job.FileName, err)
		fmt.Fprintf(c.Log, "%v\n", res.Err)
	}
	return res
}
