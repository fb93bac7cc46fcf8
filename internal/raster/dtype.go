package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// DType names a pixel data type for the output raster.
type DType string

const (
	Byte    DType = "byte"
	Int16   DType = "int16"
	UInt16  DType = "uint16"
	Int32   DType = "int32"
	UInt32  DType = "uint32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

func (d DType) GDAL() (godal.DataType, error) {
	switch d {
	case Byte:
		return godal.Byte, nil
	case Int16:
		return godal.Int16, nil
	case UInt16:
		return godal.UInt16, nil
	case Int32:
		return godal.Int32, nil
	case UInt32:
		return godal.UInt32, nil
	case Float32:
		return godal.Float32, nil
	case Float64:
		return godal.Float64, nil
	}
	return godal.Unknown, fmt.Errorf("unknown data type %q", string(d))
}

func (d DType) integral() bool {
	switch d {
	case Float32, Float64:
		return false
	}
	return true
}

func (d DType) valueRange() (lo, hi float64) {
	switch d {
	case Byte:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case UInt32:
		return 0, math.MaxUint32
	}
	return math.Inf(-1), math.Inf(1)
}

// CheckValues rejects burn values the data type cannot represent. A
// silent wraparound would corrupt class codes, so this is an error,
// not a warning.
func (d DType) CheckValues(values []float64) error {
	lo, hi := d.valueRange()
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("burn value %v does not fit %s", v, string(d))
		}
		if v < lo || v > hi {
			return fmt.Errorf("burn value %v overflows %s", v, string(d))
		}
		if d.integral() && v != math.Trunc(v) {
			return fmt.Errorf("burn value %v is not integral for %s", v, string(d))
		}
	}
	return nil
}
