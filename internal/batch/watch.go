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

package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccddrone/ccdanalyze/internal/analysis"
)

// Default time to wait for a new file to be completely written
const DefaultReadWait = 30 * time.Second

// Returns true if the file name has a FITS suffix, optionally gzipped
func IsFITS(fileName string) bool {
	fnLower := strings.ToLower(fileName)
	fnLower = strings.TrimSuffix(strings.TrimSuffix(fnLower, ".gz"), ".gzip")
	return strings.HasSuffix(fnLower, ".fits") || strings.HasSuffix(fnLower, ".fit") || strings.HasSuffix(fnLower, ".fts")
}

// Watches a directory and analyzes each FITS file created in it, sending
// the results to the given channel. Files still being written are retried
// for up to c.ReadWait, or DefaultReadWait if that is zero. Returns nil once
// the context is done and all started analyses have finished; the channel is
// not closed.
func Watch(ctx context.Context, dir string, opts analysis.Options, c *Context, results chan<- Result) error {
	wc := *c
	if wc.ReadWait <= 0 {
		wc.ReadWait = DefaultReadWait
	}
	c = &wc

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	fmt.Fprintf(c.Log, "Watching %s for new FITS files\n", dir)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	limiter := make(chan bool, c.Threads(0))
	seen := map[string]bool{}
	id := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if seen[name] || !IsFITS(name) {
				continue
			}
			seen[name] = true
			job := Job{ID: id, FileName: name}
			id++
			fmt.Fprintf(c.Log, "%d: New file %s\n", job.ID, job.FileName)

			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case limiter <- true:
				case <-ctx.Done():
					return
				}
				res := analyzeFile(ctx, job, opts, c)
				<-limiter
				select {
				case results <- res:
				case <-ctx.Done():
				}
			}()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(c.Log, "Watch error: %v\n", err)
		}
	}
}
