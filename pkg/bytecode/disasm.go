package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/chazu/fnbridge/pkg/descriptor"
)

var flagTags = []struct {
	flag ChunkFlags
	tag  string
}{
	{ChunkFlagStub, "STUB"},
	{ChunkFlagAsync, "ASYNC"},
	{ChunkFlagCheckEveryCall, "CHECK_EVERY_CALL"},
	{ChunkFlagHasFallback, "FALLBACK"},
}

// Disassemble returns a listing of the chunk: header, constant pool, code.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName is Disassemble with a title line.
func (c *Chunk) DisassembleWithName(name string) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "; === %s ===\n", name)
	}
	fmt.Fprintf(&b, "; fnbridge bytecode v%d\n; Flags: 0x%04X", c.Version, c.Flags)
	for _, ft := range flagTags {
		if c.Flags&ft.flag != 0 {
			fmt.Fprintf(&b, " [%s]", ft.tag)
		}
	}
	b.WriteString("\n\n")

	if len(c.Constants) > 0 {
		b.WriteString("; Constants:\n")
		for i, k := range c.Constants {
			fmt.Fprintf(&b, ";   [%3d] %q\n", i, shorten(k, 40))
		}
		b.WriteByte('\n')
	}

	b.WriteString("; Code:\n")
	for _, line := range c.DisassembleToLines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// DisassembleToLines lists one instruction per line, prefixed by its offset.
func (c *Chunk) DisassembleToLines() []string {
	var lines []string
	for at := 0; at < len(c.Code); {
		text, size := c.instruction(at)
		lines = append(lines, fmt.Sprintf("%04X  %s", at, text))
		at += size
	}
	return lines
}

// DisassembleInstruction renders the instruction starting at offset.
func (c *Chunk) DisassembleInstruction(offset int) string {
	text, _ := c.instruction(offset)
	return text
}

// InstructionCount walks the code and counts instructions.
func (c *Chunk) InstructionCount() int {
	n := 0
	for at := 0; at < len(c.Code); at += Opcode(c.Code[at]).InstructionLen() {
		n++
	}
	return n
}

// instruction renders the instruction at and returns its encoded size.
func (c *Chunk) instruction(at int) (string, int) {
	if at >= len(c.Code) {
		return "<end of code>", 0
	}
	op := Opcode(c.Code[at])
	size := op.InstructionLen()
	if at+size > len(c.Code) {
		return op.String() + " <truncated>", len(c.Code) - at
	}
	operands := c.Code[at+1 : at+size]

	switch op {
	case OpConst, OpLoadSlot, OpStoreSlot, OpCheckCast, OpThrow:
		idx := binary.BigEndian.Uint16(operands)
		return fmt.Sprintf("%s %d ; %q", op, idx, shorten(c.constant(idx), 24)), size

	case OpConstInt:
		return fmt.Sprintf("%s %d", op, int32(binary.BigEndian.Uint32(operands))), size

	case OpLoadParam, OpMakeArgs:
		return fmt.Sprintf("%s %d", op, operands[0]), size

	case OpBox, OpUnboxNumber:
		return fmt.Sprintf("%s %s", op, descriptor.Kind(operands[0])), size

	case OpDefineHandle:
		body := binary.BigEndian.Uint16(operands)
		var tags strings.Builder
		if operands[3]&DefineRetained != 0 {
			tags.WriteString(" retained")
		}
		if operands[3]&DefineReceiver != 0 {
			tags.WriteString(" receiver")
		}
		return fmt.Sprintf("%s body=%d argc=%d%s ; %q", op, body, operands[2], tags.String(), shorten(c.constant(body), 24)), size

	case OpPreload:
		owner, path := binary.BigEndian.Uint16(operands), binary.BigEndian.Uint16(operands[2:])
		return fmt.Sprintf("%s %d %d ; %s %s", op, owner, path, c.constant(owner), c.constant(path)), size
	}

	if op.IsJump() {
		delta := int16(binary.BigEndian.Uint16(operands))
		return fmt.Sprintf("%s %+d (-> %04X)", op, delta, at+size+int(delta)), size
	}
	if len(operands) == 0 {
		return op.String(), size
	}
	return fmt.Sprintf("%s % X", op, operands), size
}

// readInt16 decodes the jump operand stored at offset.
func (c *Chunk) readInt16(offset int) int16 {
	if offset+2 > len(c.Code) {
		return 0
	}
	return int16(binary.BigEndian.Uint16(c.Code[offset:]))
}

func (c *Chunk) constant(idx uint16) string {
	if int(idx) < len(c.Constants) {
		return c.Constants[idx]
	}
	return "?"
}

// shorten truncates long constants and escapes line breaks and tabs.
func shorten(s string, max int) string {
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return strings.NewReplacer("\n", `\n`, "\t", `\t`).Replace(s)
}
