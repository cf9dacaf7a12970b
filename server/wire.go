package server

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/fnbridge/pkg/value"
)

// ErrUnencodable is returned for values that cannot cross the wire.
var ErrUnencodable = errors.New("value cannot be sent to a remote target")

// Boxed primitives other than Bool and Double travel as tagged structs so
// that their kind survives the trip: {"@": "I", "v": 5}. Long and Char
// values are sent as decimal strings.
const tagKey = "@"

// EncodeValue converts a generic value to its wire form.
func EncodeValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case value.Bool:
		return structpb.NewBoolValue(bool(x)), nil
	case bool:
		return structpb.NewBoolValue(x), nil
	case value.Double:
		return encodeDouble(float64(x)), nil
	case float64:
		return encodeDouble(x), nil
	case value.Byte:
		return tagged("B", structpb.NewNumberValue(float64(x))), nil
	case value.Short:
		return tagged("S", structpb.NewNumberValue(float64(x))), nil
	case value.Int:
		return tagged("I", structpb.NewNumberValue(float64(x))), nil
	case value.Float:
		return tagged("F", structpb.NewStringValue(strconv.FormatUint(uint64(math.Float32bits(float32(x))), 16))), nil
	case value.Char:
		return tagged("C", structpb.NewStringValue(strconv.FormatUint(uint64(x), 10))), nil
	case value.Long:
		return tagged("J", structpb.NewStringValue(strconv.FormatInt(int64(x), 10))), nil
	case string:
		return structpb.NewStringValue(x), nil
	case []any:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(x))}
		for i, e := range x {
			ev, err := EncodeValue(e)
			if err != nil {
				return nil, err
			}
			list.Values[i] = ev
		}
		return structpb.NewListValue(list), nil
	case map[string]any:
		s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(x))}
		for k, e := range x {
			if k == tagKey {
				return nil, fmt.Errorf("%w: map key %q is reserved", ErrUnencodable, tagKey)
			}
			ev, err := EncodeValue(e)
			if err != nil {
				return nil, err
			}
			s.Fields[k] = ev
		}
		return structpb.NewStructValue(s), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnencodable, v)
}

// NaN and infinities have no JSON number form.
func encodeDouble(f float64) *structpb.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return tagged("D", structpb.NewStringValue(strconv.FormatUint(math.Float64bits(f), 16)))
	}
	return structpb.NewNumberValue(f)
}

func tagged(kind string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		tagKey: structpb.NewStringValue(kind),
		"v":    v,
	}})
}

// DecodeValue converts a wire value back to the generic model. Untagged
// numbers decode as Double.
func DecodeValue(v *structpb.Value) (any, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return value.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return value.Double(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if tag, ok := fields[tagKey]; ok {
			return decodeTagged(tag.GetStringValue(), fields["v"])
		}
		out := make(map[string]any, len(fields))
		for name, e := range fields {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[name] = d
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown wire value %T", v.GetKind())
}

func decodeTagged(kind string, v *structpb.Value) (any, error) {
	switch kind {
	case "B":
		return value.Byte(v.GetNumberValue()), nil
	case "S":
		return value.Short(v.GetNumberValue()), nil
	case "I":
		return value.Int(v.GetNumberValue()), nil
	case "F":
		bits, err := strconv.ParseUint(v.GetStringValue(), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("bad float: %w", err)
		}
		return value.Float(math.Float32frombits(uint32(bits))), nil
	case "D":
		bits, err := strconv.ParseUint(v.GetStringValue(), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad double: %w", err)
		}
		return value.Double(math.Float64frombits(bits)), nil
	case "C":
		c, err := strconv.ParseUint(v.GetStringValue(), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad char: %w", err)
		}
		return value.Char(c), nil
	case "J":
		n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad long: %w", err)
		}
		return value.Long(n), nil
	}
	return nil, fmt.Errorf("unknown value tag %q", kind)
}

// EncodeArgs encodes an argument list.
func EncodeArgs(args []any) (*structpb.Value, error) {
	return EncodeValue(args)
}

// DecodeArgs decodes an argument list; a missing list is empty.
func DecodeArgs(v *structpb.Value) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	d, err := DecodeValue(v)
	if err != nil {
		return nil, err
	}
	args, ok := d.([]any)
	if !ok && d != nil {
		return nil, fmt.Errorf("args must be a list, got %T", d)
	}
	return args, nil
}
