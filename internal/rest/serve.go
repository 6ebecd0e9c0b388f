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

// Package rest exposes image analysis over HTTP.
package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ccddrone/ccdanalyze/internal/analysis"
	"github.com/ccddrone/ccdanalyze/internal/batch"
)

// Serves analysis requests with the given defaults
type Server struct {
	Options analysis.Options // Defaults, overridden per request
	Context *batch.Context   // Concurrency, timeouts and the server log
	PlotDir string           // Directory holding the spectrum plots
}

// Creates the HTTP handler with all API routes
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.Context.Log), gin.Recovery())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/analyze", s.postAnalyze)
			v1.GET("/plots/:name", s.getPlot)
		}
	}
	return r
}

// Listens and serves on the given address until the server fails
func (s *Server) Serve(addr string) error {
	fmt.Fprintf(s.Context.Log, "Listening on %s\n", addr)
	return NewRouter(s).Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// A log buffer safe for concurrent writes from the analysis goroutines
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

type postAnalyzeArgs struct {
	FilePatterns []string         `json:"filePatterns" binding:"required"`
	Options      analysis.Options `json:"options"`
}

// Per file outcome of an analysis request
type AnalyzeResult struct {
	ID       int              `json:"id"`
	FileName string           `json:"fileName"`
	Report   *analysis.Report `json:"report,omitempty"`
	Plot     string           `json:"plot,omitempty"` // Name of the plot under /api/v1/plots/
	Error    string           `json:"error,omitempty"`
}

// Response to an analysis request. Log holds the analysis log output.
type AnalyzeResponse struct {
	Results []AnalyzeResult `json:"results"`
	Log     string          `json:"log"`
}

func (s *Server) postAnalyze(c *gin.Context) {
	args := postAnalyzeArgs{Options: s.Options}
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// plots only ever go to the plot directory
	if args.Options.Plot != "" {
		if err := os.MkdirAll(s.PlotDir, 0777); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		args.Options.Plot = filepath.Join(s.PlotDir, filepath.Base(args.Options.Plot))
	}

	logWriter := &syncBuffer{}
	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := batch.Glob(args.FilePatterns, true, logWriter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "log": logWriter.String()})
		return
	}

	bc := *s.Context
	bc.Log = io.MultiWriter(logWriter, s.Context.Log)
	results, err := batch.Run(c.Request.Context(), jobs, args.Options, &bc)
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	if c.Request.Context().Err() != nil {
		return // client went away
	}

	res := AnalyzeResponse{Results: make([]AnalyzeResult, len(results))}
	for i, r := range results {
		ar := AnalyzeResult{ID: r.ID, FileName: r.FileName, Report: r.Report}
		if r.Err != nil {
			ar.Error = r.Err.Error()
		}
		if r.Report != nil && r.Report.PlotFile != "" {
			ar.Plot = filepath.Base(r.Report.PlotFile)
		}
		res.Results[i] = ar
	}
	res.Log = logWriter.String()
	c.JSON(http.StatusOK, res)
}

func (s *Server) getPlot(c *gin.Context) {
	name := c.Param("name")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plot name"})
		return
	}
	fileName := filepath.Join(s.PlotDir, name)
	if st, err := os.Stat(fileName); err != nil || st.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such plot " + name})
		return
	}
	c.File(fileName)
}
