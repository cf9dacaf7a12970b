package bytecode

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	// Ensure every defined opcode has metadata
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" || strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("Opcode 0x%02X has no metadata", op)
		}
	}
}

func TestOpcodeCount(t *testing.T) {
	if got := OpcodeCount(); got != len(AllOpcodes()) {
		t.Errorf("OpcodeCount() = %d, AllOpcodes() has %d", got, len(AllOpcodes()))
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpNop, "NOP"},
		{OpConst, "CONST"},
		{OpLoadSlot, "LOAD_SLOT"},
		{OpHandleValid, "HANDLE_VALID"},
		{OpDefineHandle, "DEFINE_HANDLE"},
		{OpCheckCast, "CHECKCAST"},
		{OpJumpNil, "JUMP_NIL"},
		{OpInvokeAsync, "INVOKE_ASYNC"},
		{OpThrowInactive, "THROW_INACTIVE"},
		{OpReturnVoid, "RETURN_VOID"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Opcode(0x%02X).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}

func TestUnknownOpcodeString(t *testing.T) {
	op := Opcode(0xEE) // Not defined
	if got := op.String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("Unknown opcode should return UNKNOWN, got %q", got)
	}
	if op.IsKnown() {
		t.Error("0xEE should not be known")
	}
}

func TestOpcodeOperandLen(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpPop, 0},
		{OpConst, 2},
		{OpConstInt, 4},
		{OpLoadParam, 1},
		{OpDefineHandle, 4},
		{OpPreload, 4},
		{OpBox, 1},
		{OpJump, 2},
		{OpInvoke, 0},
	}
	for _, tt := range tests {
		if got := tt.op.OperandLen(); got != tt.want {
			t.Errorf("%s.OperandLen() = %d, want %d", tt.op, got, tt.want)
		}
		if got := tt.op.InstructionLen(); got != tt.want+1 {
			t.Errorf("%s.InstructionLen() = %d, want %d", tt.op, got, tt.want+1)
		}
	}
}

func TestOpcodeClassification(t *testing.T) {
	for _, op := range []Opcode{OpJump, OpJumpTrue, OpJumpFalse, OpJumpNil} {
		if !op.IsJump() {
			t.Errorf("%s should be a jump", op)
		}
	}
	if OpInvoke.IsJump() {
		t.Error("INVOKE is not a jump")
	}
	for _, op := range []Opcode{OpReturn, OpReturnVoid, OpFallback, OpThrowInactive, OpThrow} {
		if !op.IsTerminal() {
			t.Errorf("%s should be terminal", op)
		}
	}
	if OpStoreSlot.IsTerminal() {
		t.Error("STORE_SLOT is not terminal")
	}
}
