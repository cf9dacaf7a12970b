package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"fortio.org/safecast"
)

// FormatVersion is the serialized chunk layout understood by Deserialize.
const FormatVersion uint16 = 1

// Magic opens every serialized chunk.
var Magic = []byte("FNBC")

// ChunkFlags records how a chunk was produced.
type ChunkFlags uint16

const (
	// ChunkFlagStub marks a chunk produced by the call-site generator.
	ChunkFlagStub ChunkFlags = 1 << 0

	// ChunkFlagAsync marks a stub that invokes fire-and-forget.
	ChunkFlagAsync ChunkFlags = 1 << 1

	// ChunkFlagCheckEveryCall marks a stub that checks for an active
	// presenter before reading its slot.
	ChunkFlagCheckEveryCall ChunkFlags = 1 << 2

	// ChunkFlagHasFallback marks a stub whose member keeps its original body.
	ChunkFlagHasFallback ChunkFlags = 1 << 3
)

// Chunk is a unit of stub or member code: instructions plus the string
// constants they reference by 16-bit index.
type Chunk struct {
	Version   uint16
	Flags     ChunkFlags
	Code      []byte
	Constants []string
}

func NewChunk() *Chunk {
	return &Chunk{
		Version:   FormatVersion,
		Code:      make([]byte, 0, 64),
		Constants: make([]string, 0, 8),
	}
}

// AddConstant interns value and returns its pool index.
func (c *Chunk) AddConstant(value string) (uint16, error) {
	if i := slices.Index(c.Constants, value); i >= 0 {
		return uint16(i), nil
	}
	idx, err := safecast.Conv[uint16](len(c.Constants))
	if err != nil {
		return 0, fmt.Errorf("constant pool overflow: %w", err)
	}
	c.Constants = append(c.Constants, value)
	return idx, nil
}

// Emit appends op and returns its offset.
func (c *Chunk) Emit(op Opcode) int {
	return c.EmitWithOperand(op)
}

// EmitWithOperand appends op followed by raw operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	at := len(c.Code)
	c.Code = append(append(c.Code, byte(op)), operands...)
	return at
}

// EmitConstant emits OpConst for value.
func (c *Chunk) EmitConstant(value string) (int, error) {
	return c.EmitConstOperand(OpConst, value)
}

// EmitConstOperand emits op with a single constant-pool index operand.
func (c *Chunk) EmitConstOperand(op Opcode, value string) (int, error) {
	idx, err := c.AddConstant(value)
	if err != nil {
		return 0, err
	}
	return c.EmitWithOperand(op, binary.BigEndian.AppendUint16(nil, idx)...), nil
}

// EmitInt emits an OpConstInt instruction.
func (c *Chunk) EmitInt(v int32) int {
	return c.EmitWithOperand(OpConstInt, binary.BigEndian.AppendUint32(nil, uint32(v))...)
}

// EmitJump emits op with an unresolved offset and returns the operand
// position to hand to PatchJump.
func (c *Chunk) EmitJump(op Opcode) int {
	return c.EmitWithOperand(op, 0xFF, 0xFF) + 1
}

// PatchJump points the jump whose operand sits at operand to the end of
// the code emitted so far.
func (c *Chunk) PatchJump(operand int) error {
	return c.PatchJumpTo(operand, len(c.Code))
}

// PatchJumpTo points the jump whose operand sits at operand to target.
// Offsets are relative to the instruction following the jump.
func (c *Chunk) PatchJumpTo(operand, target int) error {
	delta, err := safecast.Conv[int16](target - (operand + 2))
	if err != nil {
		return fmt.Errorf("jump at %04X out of range: %w", operand-1, err)
	}
	binary.BigEndian.PutUint16(c.Code[operand:], uint16(delta))
	return nil
}

// Offset is the position the next instruction will be emitted at.
func (c *Chunk) Offset() int {
	return len(c.Code)
}

// Validate walks the code section and checks that every instruction is
// known, complete, and that constant and jump operands are in range.
func (c *Chunk) Validate() error {
	offset := 0
	for offset < len(c.Code) {
		op := Opcode(c.Code[offset])
		if !op.IsKnown() {
			return fmt.Errorf("%04X: unknown opcode 0x%02X", offset, byte(op))
		}
		end := offset + op.InstructionLen()
		if end > len(c.Code) {
			return fmt.Errorf("%04X: truncated %s", offset, op)
		}
		switch op {
		case OpConst, OpLoadSlot, OpStoreSlot, OpCheckCast, OpThrow:
			if idx := binary.BigEndian.Uint16(c.Code[offset+1:]); int(idx) >= len(c.Constants) {
				return fmt.Errorf("%04X: %s constant %d out of range", offset, op, idx)
			}
		case OpDefineHandle:
			if idx := binary.BigEndian.Uint16(c.Code[offset+1:]); int(idx) >= len(c.Constants) {
				return fmt.Errorf("%04X: %s body constant %d out of range", offset, op, idx)
			}
		case OpPreload:
			for _, at := range []int{offset + 1, offset + 3} {
				if idx := binary.BigEndian.Uint16(c.Code[at:]); int(idx) >= len(c.Constants) {
					return fmt.Errorf("%04X: %s constant %d out of range", offset, op, idx)
				}
			}
		}
		if op.IsJump() {
			target := end + int(int16(binary.BigEndian.Uint16(c.Code[offset+1:])))
			if target < 0 || target > len(c.Code) {
				return fmt.Errorf("%04X: %s target %04X out of range", offset, op, target)
			}
		}
		offset = end
	}
	return nil
}

// Serialize encodes the chunk. All integers are big-endian:
//
//	"FNBC" version:u16 flags:u16
//	len:u32 code
//	count:u16 { len:u32 bytes }...
//
// Constants carry 32-bit lengths since handle bodies may exceed 64K.
func (c *Chunk) Serialize() ([]byte, error) {
	codeLen, err := safecast.Conv[uint32](len(c.Code))
	if err != nil {
		return nil, fmt.Errorf("code section too large: %w", err)
	}
	count, err := safecast.Conv[uint16](len(c.Constants))
	if err != nil {
		return nil, fmt.Errorf("too many constants: %w", err)
	}

	out := slices.Clone(Magic)
	out = binary.BigEndian.AppendUint16(out, c.Version)
	out = binary.BigEndian.AppendUint16(out, uint16(c.Flags))
	out = binary.BigEndian.AppendUint32(out, codeLen)
	out = append(out, c.Code...)
	out = binary.BigEndian.AppendUint16(out, count)
	for i, k := range c.Constants {
		n, err := safecast.Conv[uint32](len(k))
		if err != nil {
			return nil, fmt.Errorf("constant %d too large: %w", i, err)
		}
		out = binary.BigEndian.AppendUint32(out, n)
		out = append(out, k...)
	}
	return out, nil
}

// chunkReader consumes a serialized chunk front to back.
type chunkReader struct {
	data []byte
	err  error
}

func (r *chunkReader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data) {
		r.err = fmt.Errorf("chunk truncated in %s: want %d bytes, have %d", what, n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *chunkReader) u16(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *chunkReader) u32(what string) int {
	if b := r.take(4, what); b != nil {
		return int(binary.BigEndian.Uint32(b))
	}
	return 0
}

// Deserialize decodes the output of Serialize.
func Deserialize(data []byte) (*Chunk, error) {
	r := &chunkReader{data: data}
	if magic := r.take(len(Magic), "magic"); r.err == nil && !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("not a chunk: magic %q", magic)
	}
	c := &Chunk{Version: r.u16("header")}
	c.Flags = ChunkFlags(r.u16("header"))
	if r.err != nil {
		return nil, r.err
	}
	if c.Version > FormatVersion {
		return nil, fmt.Errorf("chunk version %d is newer than %d", c.Version, FormatVersion)
	}

	c.Code = slices.Clone(r.take(r.u32("code length"), "code"))
	c.Constants = make([]string, r.u16("constant count"))
	for i := range c.Constants {
		c.Constants[i] = string(r.take(r.u32("constant length"), fmt.Sprintf("constant %d", i)))
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) > 0 {
		return nil, fmt.Errorf("trailing %d bytes after chunk", len(r.data))
	}
	if c.Code == nil {
		c.Code = []byte{}
	}
	return c, nil
}
