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

package config

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	fileName := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(fileName, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	return fileName
}

func TestDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yml"), nil)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if c != Default() {
		t.Errorf("got %+v; want defaults %+v", c, Default())
	}
	opts := c.Options()
	if opts.Histogram.NSigma != 3 || opts.Fit.Terms != 10 || opts.Peaks.NMovingAverage != 10 || !opts.Skipper {
		t.Errorf("options from defaults got %+v", opts)
	}
}

func TestPrecedence(t *testing.T) {
	fileName := writeFile(t, "adu: 7\nnSigma: 5\ntimeout: 2m\nplot: file%d.png\n")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	if err := fs.Parse([]string{"-adu", "9", "-skipper=false", "-readWait", "3s"}); err != nil {
		t.Fatal(err)
	}

	c, err := Load(fileName, fs)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	tests := []struct {
		name      string
		got, want interface{}
	}{
		{"adu from flag over file", c.ADU, 9.0},
		{"nSigma from file", c.NSigma, 5.0},
		{"timeout from file", c.Timeout, 2 * time.Minute},
		{"plot from file", c.Plot, "file%d.png"},
		{"skipper from flag", c.Skipper, false},
		{"readWait from flag", c.ReadWait, 3 * time.Second},
		{"terms default", c.Terms, 10},
		{"addr default", c.Addr, ":8080"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %v; want %v", tc.name, tc.got, tc.want)
		}
	}
	if opts := c.Options(); opts.Fit.FixedADU != 9 || opts.Plot != "file%d.png" {
		t.Errorf("options got %+v", opts)
	}
	if bc := c.Context(io.Discard); bc.Timeout != 2*time.Minute || bc.MaxThreads < 1 {
		t.Errorf("batch context got %+v", bc)
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	c := Default()
	c.ADU, c.CSV, c.Timeout = 12.5, "out.csv", 90*time.Second
	buf := bytes.Buffer{}
	if err := c.WriteYAML(&buf); err != nil {
		t.Fatalf("got error %v", err)
	}
	if !strings.Contains(buf.String(), "nMovingAverage: 10") {
		t.Errorf("YAML does not use flag names:\n%s", buf.String())
	}

	res, err := Load(writeFile(t, buf.String()), nil)
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if res != c {
		t.Errorf("round trip got %+v; want %+v", res, c)
	}
}

func TestMalformedFile(t *testing.T) {
	if _, err := Load(writeFile(t, "adu: [1, 2\n"), nil); err == nil {
		t.Errorf("malformed YAML got nil error")
	}
}
