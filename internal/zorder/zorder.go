// Package zorder converts between Z-order (Morton) location codes and grid
// coordinates.
//
// A location code is written as decimal digits, one per grid level, most
// significant level first. Each digit is a base-4 value whose low bit is the
// x bit and whose high bit is the y bit for that level:
//
//	digit  y x
//	  0    0 0
//	  1    0 1
//	  2    1 0
//	  3    1 1
//
// So 123 decodes to x=0b101=5, y=0b011=3 on an 8x8 grid.
package zorder

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// MaxLevels is the largest level count whose codes fit in an int64.
const MaxLevels = 18

var (
	// ErrInvalidLocationCode is returned for negative location codes.
	ErrInvalidLocationCode = errors.New("zorder: invalid location code")
	// ErrOutOfRange is returned by Encode for coordinates outside the level range.
	ErrOutOfRange = errors.New("zorder: coordinate out of range")
)

// Decode maps a location code to its (x, y) cell.
// Digits above 3 contribute their low two bits.
func Decode(code int64) (x, y int, err error) {
	if code < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidLocationCode, code)
	}
	for _, c := range strconv.FormatInt(code, 10) {
		d := int(c-'0') & 3
		x = x<<1 | d&1
		y = y<<1 | (d>>1)&1
	}
	return x, y, nil
}

// Encode interleaves x and y over the given number of levels into a location
// code. Leading zero digits are dropped by the decimal form, which Decode
// treats identically.
func Encode(x, y, levels int) (int64, error) {
	if levels < 1 || levels > MaxLevels {
		return 0, fmt.Errorf("zorder: levels %d outside 1..%d", levels, MaxLevels)
	}
	side := 1 << levels
	if x < 0 || y < 0 || x >= side || y >= side {
		return 0, fmt.Errorf("%w: (%d,%d) for %d levels", ErrOutOfRange, x, y, levels)
	}
	var code int64
	for i := levels - 1; i >= 0; i-- {
		d := ((y>>i)&1)<<1 | (x>>i)&1
		code = code*10 + int64(d)
	}
	return code, nil
}

// Levels returns the number of level digits in a non-negative code.
func Levels(code int64) int {
	if code < 0 {
		return 0
	}
	return len(strconv.FormatInt(code, 10))
}

// Side returns the grid side length for the given level count.
func Side(levels int) int {
	return 1 << levels
}

// Locator applies the detection service's base offset before decoding.
type Locator struct {
	Offset int64
}

// NewLocator returns a Locator with the given base offset.
func NewLocator(offset int64) Locator {
	return Locator{Offset: offset}
}

// Locate decodes a reported location into a grid coordinate.
func (l Locator) Locate(location int64) (model.Coord, error) {
	if (l.Offset > 0 && location > math.MaxInt64-l.Offset) || (l.Offset < 0 && location < math.MinInt64-l.Offset) {
		return model.Coord{}, fmt.Errorf("%w: location %d overflows with offset %d", ErrInvalidLocationCode, location, l.Offset)
	}
	x, y, err := Decode(location + l.Offset)
	if err != nil {
		return model.Coord{}, err
	}
	return model.Coord{X: x, Y: y}, nil
}

// Location is the inverse of Locate: the value the service reports for a cell.
func (l Locator) Location(c model.Coord, levels int) (int64, error) {
	code, err := Encode(c.X, c.Y, levels)
	if err != nil {
		return 0, err
	}
	if (l.Offset < 0 && code > math.MaxInt64+l.Offset) || (l.Offset > 0 && code < math.MinInt64+l.Offset) {
		return 0, fmt.Errorf("%w: code %d overflows with offset %d", ErrInvalidLocationCode, code, l.Offset)
	}
	return code - l.Offset, nil
}
