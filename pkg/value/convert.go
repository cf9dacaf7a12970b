package value

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/chazu/fnbridge/pkg/descriptor"
)

// Callable is one entry of a dispatch vector. ctx is the context of the
// presenter invocation that issued the callback.
type Callable func(ctx context.Context, args []any) (any, error)

// DispatchVector is the object passed as the reserved "vm" argument to
// callback-mode bodies. Methods are keyed by mangled name; raw$ entries take
// the receiver as their first argument.
type DispatchVector struct {
	Package string

	mu      sync.RWMutex
	methods map[string]Callable
}

// NewDispatchVector returns an empty vector for pkg.
func NewDispatchVector(pkg string) *DispatchVector {
	return &DispatchVector{Package: pkg, methods: make(map[string]Callable)}
}

// Set adds or replaces the named entry.
func (d *DispatchVector) Set(name string, fn Callable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.methods == nil {
		d.methods = make(map[string]Callable)
	}
	d.methods[name] = fn
}

// Has reports whether the named entry exists.
func (d *DispatchVector) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.methods[name]
	return ok
}

// Call invokes the named entry.
func (d *DispatchVector) Call(ctx context.Context, name string, args []any) (any, error) {
	d.mu.RLock()
	fn, ok := d.methods[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dispatch vector %s has no method %s", d.Package, name)
	}
	return fn(ctx, args)
}

// Names returns the entry names, sorted.
func (d *DispatchVector) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for n := range d.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ToGo strips boxes so a value can be handed to a foreign runtime. Slices of
// any are converted element-wise; other values are returned as is.
func ToGo(v any) any {
	switch x := v.(type) {
	case Bool:
		return bool(x)
	case Byte:
		return int8(x)
	case Char:
		return uint16(x)
	case Short:
		return int16(x)
	case Int:
		return int32(x)
	case Long:
		return int64(x)
	case Float:
		return float32(x)
	case Double:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToGo(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToGo(e)
		}
		return out
	}
	return v
}

// FromGo maps a value exported by a foreign runtime into the generic model:
// Go numbers and bools become boxes, containers are converted recursively.
func FromGo(v any) any {
	switch x := v.(type) {
	case bool:
		return Bool(x)
	case int8:
		return Byte(x)
	case uint8:
		return Short(x)
	case uint16:
		return Char(x)
	case int16:
		return Short(x)
	case int32:
		return Int(x)
	case int:
		return Long(x)
	case int64:
		return Long(x)
	case uint32:
		return Long(x)
	case uint:
		return Long(int64(x))
	case uint64:
		return Long(int64(x))
	case float32:
		return Float(x)
	case float64:
		return Double(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = FromGo(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = FromGo(e)
		}
		return out
	}
	return v
}

// ClassResolver answers instance-of questions for classes the value package
// does not know. known is false when the resolver has no opinion.
type ClassResolver interface {
	InstanceOf(v any, class string) (ok, known bool)
}

// CanonicalClass normalizes a class name to dotted form.
func CanonicalClass(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

var builtinClasses = map[string]func(any) bool{
	"java.lang.Object":        func(any) bool { return true },
	"java.lang.String":        func(v any) bool { _, ok := v.(string); return ok },
	"java.lang.Number":        func(v any) bool { _, ok := v.(Number); return ok },
	"java.lang.Boolean":       func(v any) bool { _, ok := v.(Bool); return ok },
	"java.lang.Byte":          func(v any) bool { _, ok := v.(Byte); return ok },
	"java.lang.Character":     func(v any) bool { _, ok := v.(Char); return ok },
	"java.lang.Short":         func(v any) bool { _, ok := v.(Short); return ok },
	"java.lang.Integer":       func(v any) bool { _, ok := v.(Int); return ok },
	"java.lang.Long":          func(v any) bool { _, ok := v.(Long); return ok },
	"java.lang.Float":         func(v any) bool { _, ok := v.(Float); return ok },
	"java.lang.Double":        func(v any) bool { _, ok := v.(Double); return ok },
	"fnbridge.DispatchVector": func(v any) bool { _, ok := v.(*DispatchVector); return ok },
}

var primitiveGoTypes = map[descriptor.Kind]reflect.Type{
	descriptor.Bool:   reflect.TypeOf(false),
	descriptor.Byte:   reflect.TypeOf(int8(0)),
	descriptor.Char:   reflect.TypeOf(uint16(0)),
	descriptor.Short:  reflect.TypeOf(int16(0)),
	descriptor.Int:    reflect.TypeOf(int32(0)),
	descriptor.Long:   reflect.TypeOf(int64(0)),
	descriptor.Float:  reflect.TypeOf(float32(0)),
	descriptor.Double: reflect.TypeOf(float64(0)),
}

// GoType returns the managed Go type for a primitive kind.
func GoType(k descriptor.Kind) reflect.Type {
	return primitiveGoTypes[k]
}

// Conforms reports whether v passes a checked cast to reference type t. nil
// conforms to every reference type.
func Conforms(v any, t descriptor.Type, classes ClassResolver) bool {
	if v == nil {
		return true
	}
	switch t.Kind {
	case descriptor.Object:
		return instanceOf(v, CanonicalClass(t.Class), classes)
	case descriptor.Array:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		elem := *t.Elem
		if elem.Kind.IsPrimitive() {
			return rv.Type().Elem() == primitiveGoTypes[elem.Kind]
		}
		for i := 0; i < rv.Len(); i++ {
			if !Conforms(rv.Index(i).Interface(), elem, classes) {
				return false
			}
		}
		return true
	}
	return false
}

func instanceOf(v any, class string, classes ClassResolver) bool {
	if classes != nil {
		if ok, known := classes.InstanceOf(v, class); known {
			return ok
		}
	}
	if check, ok := builtinClasses[class]; ok {
		return check(v)
	}
	return false
}

// Cast performs a checked cast of v to reference type t.
func Cast(v any, t descriptor.Type, classes ClassResolver) (any, error) {
	if !Conforms(v, t, classes) {
		return nil, fmt.Errorf("%w: cannot cast %T to %s", ErrMarshal, v, t)
	}
	return v, nil
}
