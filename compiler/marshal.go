package compiler

import (
	"fmt"

	"github.com/chazu/fnbridge/pkg/bytecode"
	"github.com/chazu/fnbridge/pkg/descriptor"
)

// Marshaler emits the conversions between managed values and the generic
// value model around an invocation.
//
//	parameter  primitive     BOX kind
//	           reference     passed as is
//	return     boolean       UNBOX_BOOL
//	           other prim.   UNBOX_NUMBER kind
//	           reference     CHECKCAST desc
//	           void          nothing
type Marshaler struct{}

// Param emits the conversion of a value of type t already on the stack.
func (Marshaler) Param(c *bytecode.Chunk, t descriptor.Type) error {
	switch {
	case t.Kind.IsPrimitive():
		c.EmitWithOperand(bytecode.OpBox, byte(t.Kind))
		return nil
	case t.Kind.IsReference():
		return nil
	case t.Kind == descriptor.Void:
		return fmt.Errorf("%w: %v", descriptor.ErrVoidParam, t)
	}
	return fmt.Errorf("%w: parameter type %v", ErrUnsupported, t)
}

// Return emits the coercion of an invocation result to the declared
// return type t.
func (Marshaler) Return(c *bytecode.Chunk, t descriptor.Type) error {
	switch {
	case t.Kind == descriptor.Void:
		return nil
	case t.Kind == descriptor.Bool:
		c.Emit(bytecode.OpUnboxBool)
		return nil
	case t.Kind.IsPrimitive():
		c.EmitWithOperand(bytecode.OpUnboxNumber, byte(t.Kind))
		return nil
	case t.Kind.IsReference():
		_, err := c.EmitConstOperand(bytecode.OpCheckCast, t.String())
		return err
	}
	return fmt.Errorf("%w: return type %v", ErrUnsupported, t)
}
