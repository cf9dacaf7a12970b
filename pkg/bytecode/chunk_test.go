package bytecode

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewChunk(t *testing.T) {
	c := NewChunk()

	if c.Version != FormatVersion {
		t.Errorf("Version = %d, want %d", c.Version, FormatVersion)
	}
	if c.Code == nil {
		t.Error("Code is nil")
	}
	if c.Constants == nil {
		t.Error("Constants is nil")
	}
}

func TestChunkAddConstant(t *testing.T) {
	c := NewChunk()

	idx0, _ := c.AddConstant("hello")
	if idx0 != 0 {
		t.Errorf("First constant index = %d, want 0", idx0)
	}

	idx1, _ := c.AddConstant("world")
	if idx1 != 1 {
		t.Errorf("Second constant index = %d, want 1", idx1)
	}

	// Add duplicate - should return existing index
	idx2, _ := c.AddConstant("hello")
	if idx2 != 0 {
		t.Errorf("Duplicate constant index = %d, want 0", idx2)
	}

	if len(c.Constants) != 2 || c.Constants[1] != "world" {
		t.Errorf("Constants = %q", c.Constants)
	}
}

func TestChunkEmit(t *testing.T) {
	c := NewChunk()

	if off := c.Emit(OpNop); off != 0 {
		t.Errorf("First emit offset = %d, want 0", off)
	}
	if off := c.Emit(OpReturnVoid); off != 1 {
		t.Errorf("Second emit offset = %d, want 1", off)
	}
	if off := c.EmitInt(-2); off != 2 {
		t.Errorf("EmitInt offset = %d, want 2", off)
	}
	want := []byte{byte(OpNop), byte(OpReturnVoid), byte(OpConstInt), 0xFF, 0xFF, 0xFF, 0xFE}
	if !bytes.Equal(c.Code, want) {
		t.Errorf("Code = % X, want % X", c.Code, want)
	}
}

func TestChunkEmitConstant(t *testing.T) {
	c := NewChunk()
	if _, err := c.EmitConstant("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EmitConstOperand(OpLoadSlot, "$$fn$$f_0"); err != nil {
		t.Fatal(err)
	}
	want := []byte{byte(OpConst), 0, 0, byte(OpLoadSlot), 0, 1}
	if !bytes.Equal(c.Code, want) {
		t.Errorf("Code = % X, want % X", c.Code, want)
	}
}

func TestChunkJumpPatching(t *testing.T) {
	c := NewChunk()

	placeholder := c.EmitJump(OpJumpTrue)
	if placeholder != 1 {
		t.Errorf("placeholder = %d, want 1", placeholder)
	}
	c.Emit(OpNop)
	c.Emit(OpNop)
	if err := c.PatchJump(placeholder); err != nil {
		t.Fatal(err)
	}

	if got := c.readInt16(placeholder); got != 2 {
		t.Errorf("patched delta = %d, want 2", got)
	}

	// Backward jump to the start
	back := c.EmitJump(OpJump)
	if err := c.PatchJumpTo(back, 0); err != nil {
		t.Fatal(err)
	}
	if got := c.readInt16(back); got != -int16(back+2) {
		t.Errorf("backward delta = %d, want %d", got, -(back + 2))
	}
}

func TestChunkPatchJumpOutOfRange(t *testing.T) {
	c := NewChunk()
	p := c.EmitJump(OpJump)
	if err := c.PatchJumpTo(p, 70000); err == nil {
		t.Error("expected out of range error")
	}
}

func TestChunkValidate(t *testing.T) {
	c := NewChunk()
	c.EmitConstant("x")
	c.Emit(OpReturn)
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	bad := []struct {
		name string
		code []byte
		want string
	}{
		{"unknown", []byte{0xEE}, "unknown opcode"},
		{"truncated", []byte{byte(OpConst), 0}, "truncated"},
		{"constant", []byte{byte(OpConst), 0, 9}, "out of range"},
		{"jump", []byte{byte(OpJump), 0x10, 0x00}, "target"},
	}
	for _, tt := range bad {
		c := &Chunk{Version: FormatVersion, Code: tt.code}
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Validate() = %v, want error containing %q", tt.name, err, tt.want)
		}
	}
}

func TestChunkSerializeRoundTrip(t *testing.T) {
	c := NewChunk()
	c.Flags = ChunkFlagStub | ChunkFlagAsync
	c.EmitConstOperand(OpLoadSlot, "$$fn$$run_0")
	c.EmitConstant(strings.Repeat("x", 70000))
	c.Emit(OpReturnVoid)

	data, err := c.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.HasPrefix(data, Magic) {
		t.Errorf("missing magic: % X", data[:4])
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Version != c.Version || got.Flags != c.Flags {
		t.Errorf("header = %d/%v, want %d/%v", got.Version, got.Flags, c.Version, c.Flags)
	}
	if !bytes.Equal(got.Code, c.Code) {
		t.Errorf("Code = % X, want % X", got.Code, c.Code)
	}
	if len(got.Constants) != 2 || len(got.Constants[1]) != 70000 {
		t.Errorf("constants not preserved: %d", len(got.Constants))
	}
}

func TestDeserializeErrors(t *testing.T) {
	good, _ := NewChunk().Serialize()

	newer := append([]byte(nil), good...)
	newer[5] = 99

	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("FNB")},
		{"magic", []byte("XXXX\x00\x01\x00\x00")},
		{"version", newer},
		{"truncated", good[:len(good)-1]},
		{"trailing", append(append([]byte(nil), good...), 0)},
	}
	for _, tt := range tests {
		if _, err := Deserialize(tt.data); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
