package vm

import (
	"context"
	"fmt"

	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/pkg/value"
	"github.com/chazu/fnbridge/unit"
)

// Object is a managed instance. Instance members receive it as self.
type Object struct {
	Class  *Class
	Fields map[string]any
}

// NewObject allocates an instance of c.
func NewObject(c *Class) *Object {
	return &Object{Class: c, Fields: make(map[string]any)}
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.Class.Name, o)
}

// callbackEntry builds the dispatch-vector entry for ref. The target class
// is resolved on first call so that vectors may reference classes that are
// defined later.
func (vm *VM) callbackEntry(ref unit.CallbackRef) value.Callable {
	return func(ctx context.Context, args []any) (any, error) {
		c, err := vm.Class(ctx, ref.Type)
		if err != nil {
			return nil, err
		}
		m := c.LookupParams(ref.Method, ref.Desc)
		if m == nil {
			return nil, fmt.Errorf("%w: %s.%s%s", ErrMethodNotFound, ref.Type, ref.Method, ref.Desc)
		}

		var self any
		if ref.Raw {
			if len(args) == 0 {
				return nil, fmt.Errorf("%s: raw callback without receiver", ref.Mangled)
			}
			self, args = args[0], args[1:]
		}
		managed, err := fromTarget(m.Sig.Params, args, vm)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref.Mangled, err)
		}
		res, err := vm.Invoke(ctx, m, self, managed)
		if err != nil {
			return nil, err
		}
		return toTarget(m.Sig.Return, res)
	}
}

// fromTarget converts callback arguments from the generic value model to
// the managed types of params. Missing trailing arguments take the zero
// value.
func fromTarget(params []descriptor.Type, args []any, classes value.ClassResolver) ([]any, error) {
	if len(args) > len(params) {
		return nil, fmt.Errorf("%d arguments for %d parameters", len(args), len(params))
	}
	out := make([]any, len(params))
	for i, p := range params {
		var a any
		if i < len(args) {
			a = value.FromGo(args[i])
		}
		switch {
		case p.Kind == descriptor.Bool:
			b, err := value.UnboxBool(a)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = b
		case p.Kind.IsPrimitive():
			if a == nil {
				out[i] = value.Zero(p.Kind)
				continue
			}
			v, err := value.Narrow(p.Kind, a)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = v
		default:
			v, err := value.Cast(a, p, classes)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = v
		}
	}
	return out, nil
}

// toTarget boxes a managed result for the presenter.
func toTarget(ret descriptor.Type, res any) (any, error) {
	if ret.Kind == descriptor.Void {
		return nil, nil
	}
	if ret.Kind.IsPrimitive() {
		return value.Box(ret.Kind, res)
	}
	return res, nil
}
