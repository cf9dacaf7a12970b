package bytecode

import (
	"fmt"
	"strconv"
	"strings"

	"fortio.org/safecast"

	"github.com/chazu/fnbridge/pkg/descriptor"
)

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// Assemble builds a chunk from a textual listing, one instruction per line,
// in the same notation the disassembler prints:
//
//	LOAD_PARAM 0
//	JUMP_FALSE else
//	CONST "yes"
//	RETURN
//	else:
//	CONST "no"
//	RETURN
//
// Jump operands name labels. Text after ';' is a comment.
func Assemble(lines []string) (*Chunk, error) {
	c := NewChunk()
	labels := map[string]int{}
	type fixup struct {
		at    int
		label string
		line  int
	}
	var fixups []fixup

	for n, raw := range lines {
		line := stripComment(raw)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t\"") {
			labels[strings.TrimSuffix(line, ":")] = c.Offset()
			continue
		}
		name, rest, _ := strings.Cut(line, " ")
		op, ok := opcodesByName[name]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown instruction %q", n+1, name)
		}
		args, err := splitOperands(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if op.IsJump() {
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: %s needs a label", n+1, op)
			}
			fixups = append(fixups, fixup{at: c.EmitJump(op), label: args[0], line: n + 1})
			continue
		}
		if err := c.assembleOne(op, args); err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
	}

	for _, f := range fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, fmt.Errorf("line %d: undefined label %q", f.line, f.label)
		}
		if err := c.PatchJumpTo(f.at, target); err != nil {
			return nil, fmt.Errorf("line %d: %w", f.line, err)
		}
	}
	return c, c.Validate()
}

func (c *Chunk) assembleOne(op Opcode, args []string) error {
	want := map[Opcode]int{
		OpConst: 1, OpConstInt: 1, OpLoadParam: 1, OpLoadSlot: 1, OpStoreSlot: 1,
		OpCheckCast: 1, OpThrow: 1, OpBox: 1, OpUnboxNumber: 1, OpMakeArgs: 1,
		OpPreload: 2,
	}[op]
	if op == OpDefineHandle {
		if len(args) < 2 || len(args) > 4 {
			return fmt.Errorf("DEFINE_HANDLE takes a body, an argument count and optional 'retained' and 'receiver' flags")
		}
	} else if len(args) != want {
		return fmt.Errorf("%s takes %d operand(s), got %d", op, want, len(args))
	}

	switch op {
	case OpConst, OpLoadSlot, OpStoreSlot, OpCheckCast, OpThrow:
		_, err := c.EmitConstOperand(op, args[0])
		return err

	case OpConstInt:
		v, err := strconv.ParseInt(args[0], 0, 32)
		if err != nil {
			return err
		}
		c.EmitInt(int32(v))

	case OpLoadParam, OpMakeArgs:
		v, err := parseByte(args[0])
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, v)

	case OpBox, OpUnboxNumber:
		k, ok := kindByName(args[0])
		if !ok || !k.IsPrimitive() {
			return fmt.Errorf("%s: not a primitive kind: %q", op, args[0])
		}
		c.EmitWithOperand(op, byte(k))

	case OpDefineHandle:
		body, err := c.AddConstant(args[0])
		if err != nil {
			return err
		}
		argc, err := parseByte(args[1])
		if err != nil {
			return err
		}
		var flags byte
		for _, f := range args[2:] {
			switch f {
			case "retained":
				flags |= DefineRetained
			case "receiver":
				flags |= DefineReceiver
			default:
				return fmt.Errorf("DEFINE_HANDLE: unexpected %q", f)
			}
		}
		c.EmitWithOperand(op, byte(body>>8), byte(body), argc, flags)

	case OpPreload:
		owner, err := c.AddConstant(args[0])
		if err != nil {
			return err
		}
		path, err := c.AddConstant(args[1])
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, byte(owner>>8), byte(owner), byte(path>>8), byte(path))

	default:
		c.Emit(op)
	}
	return nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return safecast.Conv[byte](v)
}

func kindByName(s string) (descriptor.Kind, bool) {
	for k := descriptor.Void; k <= descriptor.Array; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return descriptor.Invalid, false
}

// stripComment removes a trailing ';' comment that is not inside a quoted
// operand, then trims the line.
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

// splitOperands splits on whitespace, keeping Go-quoted strings intact and
// unquoting them.
func splitOperands(s string) ([]string, error) {
	var out []string
	for s != "" {
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad string operand: %w", err)
			}
			v, _ := strconv.Unquote(q)
			out = append(out, v)
			s = strings.TrimSpace(s[len(q):])
			continue
		}
		field, rest, _ := strings.Cut(s, " ")
		out = append(out, field)
		s = strings.TrimSpace(rest)
	}
	return out, nil
}
