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
	"fmt"
	"strings"
)

// A FITS image.
// Standard here: https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output.

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float64 // Zero offset. True pixel value is Bzero + Bscale * Data[i].
	Bscale float64 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	// Helps implement unsigned values with signed data types.
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y[,frames])
	Pixels int     // Number of pixels in the image. Product of Naxisn[]

	Data []float64 // The image data, with Bzero and Bscale applied

	Exposure float64 // Image exposure in seconds
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float64) *Image {
	numPixels := 1
	for _, naxis := range naxisn {
		numPixels *= int(naxis)
	}
	if data == nil {
		data = make([]float64, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -64,
		Bscale: 1,
		Naxisn: append([]int32(nil), naxisn...), // clone slice
		Pixels: numPixels,
		Data:   data,
	}
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int64
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int64),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}

// Width of a frame in pixels
func (f *Image) Width() int {
	if len(f.Naxisn) < 1 {
		return 0
	}
	return int(f.Naxisn[0])
}

// Height of a frame in pixels
func (f *Image) Height() int {
	if len(f.Naxisn) < 2 {
		return 1
	}
	return int(f.Naxisn[1])
}

// Number of frames: the third axis of a skipper stack, 1 for plain 2D images
func (f *Image) NumFrames() int {
	if len(f.Naxisn) < 3 {
		return 1
	}
	n := 1
	for _, naxis := range f.Naxisn[2:] {
		n *= int(naxis)
	}
	return n
}

// Returns the pixels of frame i. Frames are contiguous, i.e. frame i holds
// Data[i*w*h:(i+1)*w*h]. The slice shares storage with the image.
func (f *Image) Frame(i int) []float64 {
	size := f.Width() * f.Height()
	return f.Data[i*size : (i+1)*size]
}

// Returns the first max frames, or all frames if max<=0
func (f *Image) Frames(max int) [][]float64 {
	n := f.NumFrames()
	if max > 0 && n > max {
		n = max
	}
	frames := make([][]float64, n)
	for i := range frames {
		frames[i] = f.Frame(i)
	}
	return frames
}
