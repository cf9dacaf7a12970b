package bytecode

import (
	"fmt"
	"maps"
	"slices"
)

// Opcode is one stub instruction. The high nibble groups related opcodes.
type Opcode byte

const (
	// Stack manipulation (0x00-0x0F)
	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// Constants (0x10-0x1F)
	OpConst      Opcode = 0x10 // Push string constant: OpConst <index:u16>
	OpConstNil   Opcode = 0x11 // Push nil
	OpConstTrue  Opcode = 0x12 // Push true
	OpConstFalse Opcode = 0x13 // Push false
	OpConstInt   Opcode = 0x14 // Push int32: OpConstInt <value:i32>

	// Frame access (0x20-0x2F)
	OpLoadParam Opcode = 0x22 // Push parameter: OpLoadParam <index:u8>
	OpLoadSelf  Opcode = 0x23 // Push receiver (nil for static members)

	// Handle cache and presenter (0x40-0x4F)
	OpLoadSlot     Opcode = 0x40 // Push cached handle or nil: OpLoadSlot <name:u16>
	OpStoreSlot    Opcode = 0x41 // Pop handle into slot: OpStoreSlot <name:u16>
	OpActive       Opcode = 0x48 // Push whether a presenter is active
	OpHandleValid  Opcode = 0x49 // Pop handle, push validity for the active presenter
	OpDefineHandle Opcode = 0x4A // Pop argc names, push handle or nil: <body:u16> <argc:u8> <flags:u8>
	OpPreload      Opcode = 0x4B // Pop handle, push preloaded handle: <owner:u16> <path:u16>
	OpLoadDispatch Opcode = 0x4C // Push the owner's dispatch vector

	// Marshaling (0x50-0x5F)
	OpBox         Opcode = 0x50 // Box primitive on top of stack: OpBox <kind:u8>
	OpMakeArgs    Opcode = 0x51 // Pop n values, push argument slice: OpMakeArgs <n:u8>
	OpCheckCast   Opcode = 0x58 // Checked cast to reference type: OpCheckCast <desc:u16>
	OpUnboxBool   Opcode = 0x59 // nil -> false, Bool -> bool
	OpUnboxNumber Opcode = 0x5A // Number -> primitive: OpUnboxNumber <kind:u8>

	// Control flow (0x80-0x8F)
	OpJump      Opcode = 0x80 // Unconditional jump: OpJump <offset:i16>
	OpJumpTrue  Opcode = 0x81 // Pop, jump if true: OpJumpTrue <offset:i16>
	OpJumpFalse Opcode = 0x82 // Pop, jump if false: OpJumpFalse <offset:i16>
	OpJumpNil   Opcode = 0x83 // Jump if top is nil, without popping: OpJumpNil <offset:i16>

	// Invocation (0x90-0x9F)
	OpInvoke      Opcode = 0x90 // Pop args and handle, push result (blocking)
	OpInvokeAsync Opcode = 0x91 // Pop args and handle (fire and forget)

	// Failure paths (0xE0-0xEF)
	OpFallback      Opcode = 0xE0 // Run the member's original body and return its result
	OpThrowInactive Opcode = 0xE1 // Fail with ErrNoActiveTarget
	OpThrow         Opcode = 0xE2 // Fail with a message: OpThrow <msg:u16>

	// Return (0xF0-0xFF)
	OpReturn     Opcode = 0xF0 // Return top of stack
	OpReturnVoid Opcode = 0xF1 // Return nothing
)

// Flags carried by OpDefineHandle.
const (
	DefineRetained byte = 1 << 0
	DefineReceiver byte = 1 << 1 // first argument is bound as the receiver
)

// OpcodeInfo describes an opcode's listing name, stack effect and encoding.
// StackPop is -1 when the count comes from an operand.
type OpcodeInfo struct {
	Name       string
	StackPop   int
	StackPush  int
	OperandLen int
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0, 0, 0},
	OpPop: {"POP", 1, 0, 0},
	OpDup: {"DUP", 1, 2, 0},

	OpConst:      {"CONST", 0, 1, 2},
	OpConstNil:   {"CONST_NIL", 0, 1, 0},
	OpConstTrue:  {"CONST_TRUE", 0, 1, 0},
	OpConstFalse: {"CONST_FALSE", 0, 1, 0},
	OpConstInt:   {"CONST_INT", 0, 1, 4},

	OpLoadParam: {"LOAD_PARAM", 0, 1, 1},
	OpLoadSelf:  {"LOAD_SELF", 0, 1, 0},

	OpLoadSlot:     {"LOAD_SLOT", 0, 1, 2},
	OpStoreSlot:    {"STORE_SLOT", 1, 0, 2},
	OpActive:       {"ACTIVE", 0, 1, 0},
	OpHandleValid:  {"HANDLE_VALID", 1, 1, 0},
	OpDefineHandle: {"DEFINE_HANDLE", -1, 1, 4}, // Pops argc names
	OpPreload:      {"PRELOAD", 1, 1, 4},
	OpLoadDispatch: {"LOAD_DISPATCH", 0, 1, 0},

	OpBox:         {"BOX", 1, 1, 1},
	OpMakeArgs:    {"MAKE_ARGS", -1, 1, 1}, // Pops n values
	OpCheckCast:   {"CHECKCAST", 1, 1, 2},
	OpUnboxBool:   {"UNBOX_BOOL", 1, 1, 0},
	OpUnboxNumber: {"UNBOX_NUMBER", 1, 1, 1},

	OpJump:      {"JUMP", 0, 0, 2},
	OpJumpTrue:  {"JUMP_TRUE", 1, 0, 2},
	OpJumpFalse: {"JUMP_FALSE", 1, 0, 2},
	OpJumpNil:   {"JUMP_NIL", 0, 0, 2},

	OpInvoke:      {"INVOKE", 2, 1, 0},
	OpInvokeAsync: {"INVOKE_ASYNC", 2, 0, 0},

	OpFallback:      {"FALLBACK", 0, 0, 0},
	OpThrowInactive: {"THROW_INACTIVE", 0, 0, 0},
	OpThrow:         {"THROW", 0, 0, 2},

	OpReturn:     {"RETURN", 1, 0, 0},
	OpReturnVoid: {"RETURN_VOID", 0, 0, 0},
}

// GetOpcodeInfo looks op up; unknown opcodes get a placeholder name and no
// operands.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsKnown reports whether op is part of the instruction set.
func (op Opcode) IsKnown() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen counts the opcode byte plus its operands.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump reports whether op carries a relative i16 target.
func (op Opcode) IsJump() bool {
	return op >= OpJump && op <= OpJumpNil
}

// IsTerminal reports whether op leaves the chunk.
func (op Opcode) IsTerminal() bool {
	return op == OpReturn || op == OpReturnVoid || (op >= OpFallback && op <= OpThrow)
}

// AllOpcodes lists the instruction set in encoding order.
func AllOpcodes() []Opcode {
	return slices.Sorted(maps.Keys(opcodeInfoTable))
}

func OpcodeCount() int { return len(opcodeInfoTable) }
