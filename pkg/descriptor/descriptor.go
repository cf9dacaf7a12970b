// Package descriptor parses the compact type descriptors used by binary
// units to declare method signatures.
//
// Grammar:
//
//	Z bool   B int8   C char   S int16   I int32   J int64
//	F float32   D float64   V void (return only)
//	L<name>;    object reference
//	[<type>     array of <type>, any depth
//
// A method descriptor is "(" params ")" return, e.g. "(I[Ljava/lang/String;)Z".
package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a type descriptor.
type Kind uint8

const (
	Invalid Kind = iota
	Void
	Bool
	Byte
	Char
	Short
	Int
	Long
	Float
	Double
	Object
	Array
)

var kindNames = [...]string{
	Invalid: "invalid",
	Void:    "void",
	Bool:    "boolean",
	Byte:    "byte",
	Char:    "char",
	Short:   "short",
	Int:     "int",
	Long:    "long",
	Float:   "float",
	Double:  "double",
	Object:  "object",
	Array:   "array",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsPrimitive reports whether k is one of the eight primitive kinds.
func (k Kind) IsPrimitive() bool {
	return k >= Bool && k <= Double
}

// IsNumeric reports whether k is a primitive numeric kind (char included).
func (k Kind) IsNumeric() bool {
	return k >= Byte && k <= Double
}

// IsReference reports whether values of kind k are passed by reference.
func (k Kind) IsReference() bool {
	return k == Object || k == Array
}

var (
	// ErrSyntax is returned for descriptors that do not match the grammar.
	ErrSyntax = errors.New("malformed type descriptor")
	// ErrVoidParam is returned when V appears outside the return position.
	ErrVoidParam = errors.New("void is only valid as a return type")
)

// Type is a parsed field or return type descriptor.
type Type struct {
	Kind  Kind
	Class string // object class name, set for Object and for Arrays of objects
	Elem  *Type  // element type for Array
}

// Dims returns the array depth of t.
func (t Type) Dims() int {
	n := 0
	for cur := &t; cur.Kind == Array; cur = cur.Elem {
		n++
	}
	return n
}

// Base returns the innermost non-array element type.
func (t Type) Base() Type {
	cur := t
	for cur.Kind == Array {
		cur = *cur.Elem
	}
	return cur
}

// String renders t back to descriptor form.
func (t Type) String() string {
	switch t.Kind {
	case Void:
		return "V"
	case Bool:
		return "Z"
	case Byte:
		return "B"
	case Char:
		return "C"
	case Short:
		return "S"
	case Int:
		return "I"
	case Long:
		return "J"
	case Float:
		return "F"
	case Double:
		return "D"
	case Object:
		return "L" + t.Class + ";"
	case Array:
		return "[" + t.Elem.String()
	}
	return "?"
}

// Method is a parsed method descriptor.
type Method struct {
	Params []Type
	Return Type
}

// String renders m back to descriptor form.
func (m Method) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range m.Params {
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	sb.WriteString(m.Return.String())
	return sb.String()
}

// ParseType parses a single field type descriptor. Void is rejected.
func ParseType(s string) (Type, error) {
	t, n, err := parseOne(s, 0)
	if err != nil {
		return Type{}, err
	}
	if n != len(s) {
		return Type{}, fmt.Errorf("%w: trailing data in %q", ErrSyntax, s)
	}
	if t.Kind == Void {
		return Type{}, ErrVoidParam
	}
	return t, nil
}

// ParseReturn parses a return type descriptor; V is accepted.
func ParseReturn(s string) (Type, error) {
	if s == "V" {
		return Type{Kind: Void}, nil
	}
	return ParseType(s)
}

// ParseMethod parses a method descriptor such as "(IJ)Z".
func ParseMethod(s string) (Method, error) {
	if len(s) == 0 || s[0] != '(' {
		return Method{}, fmt.Errorf("%w: method descriptor %q must start with '('", ErrSyntax, s)
	}
	var m Method
	pos := 1
	for {
		if pos >= len(s) {
			return Method{}, fmt.Errorf("%w: unterminated parameter list in %q", ErrSyntax, s)
		}
		if s[pos] == ')' {
			pos++
			break
		}
		t, next, err := parseOne(s, pos)
		if err != nil {
			return Method{}, err
		}
		if t.Kind == Void {
			return Method{}, fmt.Errorf("%w in %q", ErrVoidParam, s)
		}
		m.Params = append(m.Params, t)
		pos = next
	}
	ret, next, err := parseOne(s, pos)
	if err != nil {
		return Method{}, err
	}
	if next != len(s) {
		return Method{}, fmt.Errorf("%w: trailing data in %q", ErrSyntax, s)
	}
	m.Return = ret
	return m, nil
}

// parseOne parses the type starting at s[pos] and returns it with the
// position just past it.
func parseOne(s string, pos int) (Type, int, error) {
	if pos >= len(s) {
		return Type{}, pos, fmt.Errorf("%w: unexpected end of %q", ErrSyntax, s)
	}
	switch s[pos] {
	case 'V':
		return Type{Kind: Void}, pos + 1, nil
	case 'Z':
		return Type{Kind: Bool}, pos + 1, nil
	case 'B':
		return Type{Kind: Byte}, pos + 1, nil
	case 'C':
		return Type{Kind: Char}, pos + 1, nil
	case 'S':
		return Type{Kind: Short}, pos + 1, nil
	case 'I':
		return Type{Kind: Int}, pos + 1, nil
	case 'J':
		return Type{Kind: Long}, pos + 1, nil
	case 'F':
		return Type{Kind: Float}, pos + 1, nil
	case 'D':
		return Type{Kind: Double}, pos + 1, nil
	case 'L':
		end := strings.IndexByte(s[pos:], ';')
		if end < 0 {
			return Type{}, pos, fmt.Errorf("%w: unterminated class name in %q", ErrSyntax, s)
		}
		name := s[pos+1 : pos+end]
		if name == "" {
			return Type{}, pos, fmt.Errorf("%w: empty class name in %q", ErrSyntax, s)
		}
		return Type{Kind: Object, Class: name}, pos + end + 1, nil
	case '[':
		elem, next, err := parseOne(s, pos+1)
		if err != nil {
			return Type{}, pos, err
		}
		if elem.Kind == Void {
			return Type{}, pos, fmt.Errorf("%w: array of void in %q", ErrSyntax, s)
		}
		t := Type{Kind: Array, Elem: &elem}
		if base := elem.Base(); base.Kind == Object {
			t.Class = base.Class
		}
		return t, next, nil
	}
	return Type{}, pos, fmt.Errorf("%w: unexpected %q at offset %d in %q", ErrSyntax, s[pos], pos, s)
}
