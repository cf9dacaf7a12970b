// Package value defines the generic value model shared by call stubs and
// presenters: boxed primitive wrappers, checked casts, narrowing, and the
// dispatch vector handed to callback-mode bodies.
//
// Managed values are plain Go values: bool, int8 (byte), uint16 (char),
// int16, int32, int64, float32, float64 for primitives, and any other Go
// value (including slices for arrays) for references. Before crossing into a
// presenter, primitives are boxed into the wrappers below.
package value

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/fnbridge/pkg/descriptor"
)

// ErrMarshal reports a value that fails the declared-type cast.
var ErrMarshal = errors.New("marshaling error")

// Boxed primitive wrappers.
type (
	Bool   bool
	Byte   int8
	Char   uint16
	Short  int16
	Int    int32
	Long   int64
	Float  float32
	Double float64
)

// Number is implemented by every numeric wrapper except Char. Each method
// narrows or widens the boxed value to the named width.
type Number interface {
	Int8() int8
	Int16() int16
	Int32() int32
	Int64() int64
	Float32() float32
	Float64() float64
}

func (b Byte) Int8() int8        { return int8(b) }
func (b Byte) Int16() int16      { return int16(b) }
func (b Byte) Int32() int32      { return int32(b) }
func (b Byte) Int64() int64      { return int64(b) }
func (b Byte) Float32() float32  { return float32(b) }
func (b Byte) Float64() float64  { return float64(b) }
func (s Short) Int8() int8       { return int8(s) }
func (s Short) Int16() int16     { return int16(s) }
func (s Short) Int32() int32     { return int32(s) }
func (s Short) Int64() int64     { return int64(s) }
func (s Short) Float32() float32 { return float32(s) }
func (s Short) Float64() float64 { return float64(s) }
func (i Int) Int8() int8         { return int8(i) }
func (i Int) Int16() int16       { return int16(i) }
func (i Int) Int32() int32       { return int32(i) }
func (i Int) Int64() int64       { return int64(i) }
func (i Int) Float32() float32   { return float32(i) }
func (i Int) Float64() float64   { return float64(i) }
func (l Long) Int8() int8        { return int8(l) }
func (l Long) Int16() int16      { return int16(l) }
func (l Long) Int32() int32      { return int32(l) }
func (l Long) Int64() int64      { return int64(l) }
func (l Long) Float32() float32  { return float32(l) }
func (l Long) Float64() float64  { return float64(l) }

// Float-to-integer narrowing saturates at the int32/int64 bounds and maps
// NaN to zero; narrower integer widths truncate the int32 result.

func (f Float) Int8() int8       { return int8(f2i32(float64(f))) }
func (f Float) Int16() int16     { return int16(f2i32(float64(f))) }
func (f Float) Int32() int32     { return f2i32(float64(f)) }
func (f Float) Int64() int64     { return f2i64(float64(f)) }
func (f Float) Float32() float32 { return float32(f) }
func (f Float) Float64() float64 { return float64(f) }

func (d Double) Int8() int8       { return int8(f2i32(float64(d))) }
func (d Double) Int16() int16     { return int16(f2i32(float64(d))) }
func (d Double) Int32() int32     { return f2i32(float64(d)) }
func (d Double) Int64() int64     { return f2i64(float64(d)) }
func (d Double) Float32() float32 { return float32(d) }
func (d Double) Float64() float64 { return float64(d) }

func f2i32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= 2147483647:
		return 2147483647
	case f <= -2147483648:
		return -2147483648
	}
	return int32(f)
}

func f2i64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= 9223372036854775807:
		return 9223372036854775807
	case f <= -9223372036854775808:
		return -9223372036854775808
	}
	return int64(f)
}

// Box wraps a managed primitive of kind k. The Go type of v must match k
// exactly.
func Box(k descriptor.Kind, v any) (any, error) {
	switch k {
	case descriptor.Bool:
		if b, ok := v.(bool); ok {
			return Bool(b), nil
		}
	case descriptor.Byte:
		if b, ok := v.(int8); ok {
			return Byte(b), nil
		}
	case descriptor.Char:
		if c, ok := v.(uint16); ok {
			return Char(c), nil
		}
	case descriptor.Short:
		if s, ok := v.(int16); ok {
			return Short(s), nil
		}
	case descriptor.Int:
		if i, ok := v.(int32); ok {
			return Int(i), nil
		}
	case descriptor.Long:
		if l, ok := v.(int64); ok {
			return Long(l), nil
		}
	case descriptor.Float:
		if f, ok := v.(float32); ok {
			return Float(f), nil
		}
	case descriptor.Double:
		if d, ok := v.(float64); ok {
			return Double(d), nil
		}
	default:
		return nil, fmt.Errorf("%w: cannot box kind %v", ErrMarshal, k)
	}
	return nil, fmt.Errorf("%w: %s argument has Go type %T", ErrMarshal, k, v)
}

// UnboxBool coerces a presenter result to a managed bool. A nil result is
// false; anything other than a Bool box is a marshaling error.
func UnboxBool(v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	if b, ok := v.(Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("%w: cannot cast %T to boolean", ErrMarshal, v)
}

// Narrow coerces a presenter result to the managed primitive of kind k.
// The result must be a Number (or a Char box when k is Char).
func Narrow(k descriptor.Kind, v any) (any, error) {
	if k == descriptor.Char {
		if c, ok := v.(Char); ok {
			return uint16(c), nil
		}
	}
	n, ok := v.(Number)
	if !ok {
		if v == nil {
			return nil, fmt.Errorf("%w: null result for %s return", ErrMarshal, k)
		}
		return nil, fmt.Errorf("%w: cannot cast %T to number", ErrMarshal, v)
	}
	switch k {
	case descriptor.Byte:
		return n.Int8(), nil
	case descriptor.Char:
		return uint16(n.Int32()), nil
	case descriptor.Short:
		return n.Int16(), nil
	case descriptor.Int:
		return n.Int32(), nil
	case descriptor.Long:
		return n.Int64(), nil
	case descriptor.Float:
		return n.Float32(), nil
	case descriptor.Double:
		return n.Float64(), nil
	}
	return nil, fmt.Errorf("%w: cannot narrow to %v", ErrMarshal, k)
}

// Zero returns the managed zero value for kind k (nil for references).
func Zero(k descriptor.Kind) any {
	switch k {
	case descriptor.Bool:
		return false
	case descriptor.Byte:
		return int8(0)
	case descriptor.Char:
		return uint16(0)
	case descriptor.Short:
		return int16(0)
	case descriptor.Int:
		return int32(0)
	case descriptor.Long:
		return int64(0)
	case descriptor.Float:
		return float32(0)
	case descriptor.Double:
		return float64(0)
	}
	return nil
}
