package bytecode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/fnbridge/pkg/descriptor"
	"github.com/chazu/fnbridge/pkg/value"
	"github.com/chazu/fnbridge/target"
)

var log = commonlog.GetLogger("fnbridge.bytecode")

var (
	// ErrNoActiveTarget is raised by a stub called while no presenter is
	// active and the member has no original body to fall back to.
	ErrNoActiveTarget = errors.New("no target context active; wrap the call in target.Execute")

	// ErrNoFallback is returned by Env.Fallback when the member has no
	// original body.
	ErrNoFallback = errors.New("member has no original body")
)

// ThrowError is raised by OpThrow.
type ThrowError struct {
	Message string
}

func (e *ThrowError) Error() string { return e.Message }

// FaultError reports malformed code detected while executing a chunk.
type FaultError struct {
	Offset int
	Op     Opcode
	Cause  any
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("bytecode fault at %04X (%s): %v", e.Offset, e.Op, e.Cause)
}

// Env is the runtime environment a chunk executes in. The managed runtime
// implements it per call: slots are the owner's handle cache, the dispatch
// vector is the owner's package vector.
type Env interface {
	// Context carries the active presenter and the call deadline.
	Context() context.Context

	// Owner is the fully qualified type owning the executing member.
	Owner() string

	// LoadSlot returns the handle cached in the named slot, or nil.
	LoadSlot(name string) target.Handle

	// StoreSlot caches h in the named slot.
	StoreSlot(name string, h target.Handle)

	// DispatchVector returns the vector passed to callback-mode bodies.
	DispatchVector() *value.DispatchVector

	// Classes resolves class membership for checked casts.
	Classes() value.ClassResolver

	// Fallback runs the member's original body with the current frame, or
	// returns ErrNoFallback.
	Fallback() (any, error)
}

// Frame holds the receiver and the managed arguments of one call.
type Frame struct {
	Self   any
	Params []any
}

// VM executes bytecode chunks. A VM is not safe for concurrent use; Run
// draws one from a pool per call.
type VM struct {
	// Current execution state
	chunk *Chunk // Current bytecode chunk
	ip    int    // Instruction pointer
	stack []any  // Value stack
	sp    int    // Stack pointer

	// Runtime context
	env    Env
	frame  Frame
	active target.Presenter

	// Debug/trace mode
	Trace bool
}

// NewVM creates a new VM instance.
func NewVM() *VM {
	return &VM{stack: make([]any, 64)}
}

var vmPool = sync.Pool{New: func() any { return NewVM() }}

// Run executes chunk with a pooled VM.
func Run(chunk *Chunk, env Env, frame Frame) (any, error) {
	vm := vmPool.Get().(*VM)
	defer func() {
		vm.reset()
		vmPool.Put(vm)
	}()
	return vm.Execute(chunk, env, frame)
}

func (vm *VM) reset() {
	clear(vm.stack)
	vm.sp = 0
	vm.chunk = nil
	vm.env = nil
	vm.frame = Frame{}
	vm.active = nil
}

// Execute runs a bytecode chunk against env with the given frame.
// Returns the result value and any error.
func (vm *VM) Execute(chunk *Chunk, env Env, frame Frame) (result any, err error) {
	vm.chunk = chunk
	vm.ip = 0
	vm.sp = 0
	vm.env = env
	vm.frame = frame
	vm.active = target.Active(env.Context())

	defer func() {
		if r := recover(); r != nil {
			op := OpNop
			if vm.ip > 0 && vm.ip <= len(chunk.Code) {
				op = Opcode(chunk.Code[vm.ip-1])
			}
			result, err = nil, &FaultError{Offset: vm.ip - 1, Op: op, Cause: r}
		}
	}()

	return vm.run()
}

// run is the main execution loop.
func (vm *VM) run() (any, error) {
	ctx := vm.env.Context()
	for {
		if vm.ip >= len(vm.chunk.Code) {
			return nil, &FaultError{Offset: vm.ip, Op: OpNop, Cause: "fell off end of code"}
		}

		op := Opcode(vm.chunk.Code[vm.ip])
		vm.ip++

		if vm.Trace {
			log.Debugf("[%04x] %-16s sp=%d", vm.ip-1, op, vm.sp)
		}

		switch op {
		// ============ Stack Operations ============
		case OpNop:
			// Do nothing

		case OpPop:
			vm.sp--
			vm.stack[vm.sp] = nil

		case OpDup:
			vm.push(vm.peek())

		// ============ Constants ============
		case OpConst:
			vm.push(vm.chunk.Constants[vm.readUint16()])

		case OpConstNil:
			vm.push(nil)

		case OpConstTrue:
			vm.push(true)

		case OpConstFalse:
			vm.push(false)

		case OpConstInt:
			v := int32(binary.BigEndian.Uint32(vm.chunk.Code[vm.ip:]))
			vm.ip += 4
			vm.push(v)

		// ============ Frame ============
		case OpLoadParam:
			idx := int(vm.readByte())
			if idx >= len(vm.frame.Params) {
				return nil, fmt.Errorf("parameter %d out of range (%d supplied)", idx, len(vm.frame.Params))
			}
			vm.push(vm.frame.Params[idx])

		case OpLoadSelf:
			vm.push(vm.frame.Self)

		// ============ Handles ============
		case OpLoadSlot:
			name := vm.chunk.Constants[vm.readUint16()]
			if h := vm.env.LoadSlot(name); h != nil {
				vm.push(h)
			} else {
				vm.push(nil)
			}

		case OpStoreSlot:
			name := vm.chunk.Constants[vm.readUint16()]
			h, _ := vm.pop().(target.Handle)
			vm.env.StoreSlot(name, h)

		case OpActive:
			vm.push(vm.active != nil)

		case OpHandleValid:
			h, _ := vm.pop().(target.Handle)
			vm.push(target.Valid(vm.active, h))

		case OpDefineHandle:
			body := vm.chunk.Constants[vm.readUint16()]
			argc := int(vm.readByte())
			flags := vm.readByte()
			names := make([]string, argc)
			for i := argc - 1; i >= 0; i-- {
				names[i] = vm.pop().(string)
			}
			if vm.active == nil {
				vm.push(nil)
				break
			}
			h, err := vm.active.CreateHandle(target.Definition{
				Owner:    vm.env.Owner(),
				Body:     body,
				Args:     names,
				Retained: flags&DefineRetained != 0,
				Receiver: flags&DefineReceiver != 0,
			})
			if err != nil {
				return nil, target.Wrap(vm.active, "define", err)
			}
			log.Debugf("defined handle in %s for %s", vm.active.ID(), vm.env.Owner())
			vm.push(h)

		case OpPreload:
			owner := vm.chunk.Constants[vm.readUint16()]
			path := vm.chunk.Constants[vm.readUint16()]
			h, _ := vm.pop().(target.Handle)
			if vm.active == nil {
				return nil, ErrNoActiveTarget
			}
			h, err := vm.active.Preload(ctx, h, owner, path)
			if err != nil {
				return nil, target.Wrap(vm.active, "preload", err)
			}
			vm.push(h)

		case OpLoadDispatch:
			vm.push(vm.env.DispatchVector())

		// ============ Marshaling ============
		case OpBox:
			k := descriptor.Kind(vm.readByte())
			boxed, err := value.Box(k, vm.pop())
			if err != nil {
				return nil, err
			}
			vm.push(boxed)

		case OpMakeArgs:
			n := int(vm.readByte())
			args := make([]any, n)
			for i := n - 1; i >= 0; i-- {
				args[i] = vm.pop()
			}
			vm.push(args)

		case OpCheckCast:
			desc := vm.chunk.Constants[vm.readUint16()]
			t, err := descriptor.ParseType(desc)
			if err != nil {
				return nil, err
			}
			v, err := value.Cast(vm.pop(), t, vm.env.Classes())
			if err != nil {
				return nil, err
			}
			vm.push(v)

		case OpUnboxBool:
			b, err := value.UnboxBool(vm.pop())
			if err != nil {
				return nil, err
			}
			vm.push(b)

		case OpUnboxNumber:
			k := descriptor.Kind(vm.readByte())
			v, err := value.Narrow(k, vm.pop())
			if err != nil {
				return nil, err
			}
			vm.push(v)

		// ============ Control Flow ============
		case OpJump:
			offset := vm.readInt16()
			vm.ip += int(offset)

		case OpJumpTrue:
			offset := vm.readInt16()
			if truthy(vm.pop()) {
				vm.ip += int(offset)
			}

		case OpJumpFalse:
			offset := vm.readInt16()
			if !truthy(vm.pop()) {
				vm.ip += int(offset)
			}

		case OpJumpNil:
			offset := vm.readInt16()
			if vm.peek() == nil {
				vm.ip += int(offset)
			}

		// ============ Invocation ============
		case OpInvoke:
			args := vm.pop().([]any)
			h, _ := vm.pop().(target.Handle)
			if vm.active == nil {
				return nil, ErrNoActiveTarget
			}
			res, err := vm.active.Invoke(ctx, h, args)
			if err != nil {
				return nil, target.Wrap(vm.active, "invoke", err)
			}
			vm.push(res)

		case OpInvokeAsync:
			args := vm.pop().([]any)
			h, _ := vm.pop().(target.Handle)
			if vm.active == nil {
				return nil, ErrNoActiveTarget
			}
			vm.active.InvokeAsync(h, args)

		// ============ Failure Paths ============
		case OpFallback:
			return vm.env.Fallback()

		case OpThrowInactive:
			return nil, ErrNoActiveTarget

		case OpThrow:
			return nil, &ThrowError{Message: vm.chunk.Constants[vm.readUint16()]}

		// ============ Return ============
		case OpReturn:
			return vm.pop(), nil

		case OpReturnVoid:
			return nil, nil

		default:
			return nil, &FaultError{Offset: vm.ip - 1, Op: op, Cause: "unknown opcode"}
		}
	}
}

// Stack helpers

func (vm *VM) push(val any) {
	if vm.sp == len(vm.stack) {
		vm.stack = append(vm.stack, make([]any, len(vm.stack))...)
	}
	vm.stack[vm.sp] = val
	vm.sp++
}

func (vm *VM) pop() any {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = nil
	return v
}

func (vm *VM) peek() any {
	return vm.stack[vm.sp-1]
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case value.Bool:
		return bool(x)
	}
	return true
}

// Bytecode reading helpers

func (vm *VM) readByte() byte {
	b := vm.chunk.Code[vm.ip]
	vm.ip++
	return b
}

func (vm *VM) readUint16() uint16 {
	val := binary.BigEndian.Uint16(vm.chunk.Code[vm.ip:])
	vm.ip += 2
	return val
}

func (vm *VM) readInt16() int16 {
	return int16(vm.readUint16())
}
