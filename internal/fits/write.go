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
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
)

// Writes the image to the file with the given name. Compresses with gzip if
// the name has a .gz or .gzip suffix.
func (fits *Image) WriteFile(fileName string, bitpix int) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	lExt := strings.ToLower(path.Ext(fileName))
	if err = fits.writeTo(f, lExt == ".gz" || lExt == ".gzip", bitpix); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", fileName, err)
	}
	return f.Close()
}

// Writes the image to w, optionally gzip compressed. The compressor is
// flushed before returning, so a failed final write is reported.
func (fits *Image) writeTo(w io.Writer, compress bool, bitpix int) error {
	if !compress {
		return fits.Write(w, bitpix)
	}
	gz := gzip.NewWriter(w)
	if err := fits.Write(gz, bitpix); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Streams the image as a single HDU FITS file with the given BITPIX, one of 16,
// -32 or -64. For 16 bits, values are rounded and stored unsigned via BZERO=32768.
func (fits *Image) Write(w io.Writer, bitpix int) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	dims := make([]int, len(fits.Naxisn))
	for i, naxis := range fits.Naxisn {
		dims[i] = int(naxis)
	}
	im := fitsio.NewImage(bitpix, dims)
	defer im.Close()

	cards := fits.headerCards()
	var data interface{}
	switch bitpix {
	case 16:
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
		ints := make([]int16, len(fits.Data))
		for i, v := range fits.Data {
			ints[i] = int16(math.Max(0, math.Min(65535, math.Round(v))) - 32768)
		}
		data = ints
	case -32:
		floats := make([]float32, len(fits.Data))
		for i, v := range fits.Data {
			floats[i] = float32(v)
		}
		data = floats
	case -64:
		data = fits.Data
	default:
		return fmt.Errorf("%d: cannot write BITPIX %d", fits.ID, bitpix)
	}

	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	if err = im.Write(data); err != nil {
		return err
	}
	return f.Write(im)
}

// Returns header cards for the exposure and all user keys, sorted by name
func (fits *Image) headerCards() []fitsio.Card {
	cards := []fitsio.Card{}
	if fits.Exposure != 0 {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: fits.Exposure, Comment: "exposure time in seconds"})
	}
	start := len(cards)
	for k, v := range fits.Header.Bools {
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	for k, v := range fits.Header.Ints {
		cards = append(cards, fitsio.Card{Name: k, Value: int(v)})
	}
	for k, v := range fits.Header.Floats {
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	for k, v := range fits.Header.Strings {
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	kept := cards[:start]
	for _, c := range cards[start:] {
		if !reservedKey(c.Name) {
			kept = append(kept, c)
		}
	}
	cards = kept
	user := cards[start:]
	sort.Slice(user, func(i, j int) bool { return user[i].Name < user[j].Name })
	return cards
}

// Keys which fitsio derives from the image layout, or which Write sets itself
func reservedKey(name string) bool {
	switch name {
	case "SIMPLE", "BITPIX", "NAXIS", "EXTEND", "BZERO", "BSCALE", "END", "EXPTIME", "EXPOSURE":
		return true
	}
	return strings.HasPrefix(name, "NAXIS")
}
