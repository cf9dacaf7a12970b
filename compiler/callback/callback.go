// Package callback translates managed-method references inside
// callback-mode bodies into calls on the dispatch vector.
//
// Two reference forms are recognised:
//
//	recv.@pkg.Type::method(I)(x)   ->  vm.raw$pkg_Type$method$I(recv,x)
//	@pkg.Type::method(I)(x)        ->  vm.pkg_Type$method$I(x)
//
// The parenthesised group after the method name is its parameter
// descriptor list; the next group holds the call arguments, which are left
// untouched.
package callback

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for a reference that starts but does not
// complete.
var ErrMalformed = errors.New("malformed callback reference")

// Ref is one managed method referenced from a body.
type Ref struct {
	Type   string // as written, dotted
	Method string
	Params string // parameter descriptors including the parentheses
	Raw    bool
}

// Mangled returns the dispatch-vector entry name for the reference. Raw
// references use the raw$ variant.
func (r Ref) Mangled() string {
	if r.Raw {
		return "raw$" + Mangle(r.Type, r.Method, r.Params)
	}
	return Mangle(r.Type, r.Method, r.Params)
}

// Mangle encodes a method reference as a single identifier. The
// substitutions are injective: '_' is escaped first.
func Mangle(typeName, method, params string) string {
	params = strings.TrimPrefix(params, "(")
	params = strings.TrimSuffix(params, ")")
	return escape(typeName) + "$" + escape(method) + "$" + escape(params)
}

var escaper = strings.NewReplacer(
	"_", "_1",
	";", "_2",
	"[", "_3",
	".", "_",
	"/", "_",
)

func escape(s string) string {
	return escaper.Replace(s)
}

// Translate rewrites every reference in body. It returns the rewritten
// text and the references in order of appearance (raw references first).
func Translate(body string) (string, []Ref, error) {
	var refs []Ref
	out, err := scanRaw(body, &refs)
	if err != nil {
		return "", nil, err
	}
	out, err = scanPlain(out, &refs)
	if err != nil {
		return "", nil, err
	}
	return out, refs, nil
}

// reference parses "Type::method(sig)(" starting at start, which points
// just past the '@'. It returns the parts and the index just past the
// opening parenthesis of the argument list.
func reference(body string, start int) (Ref, int, error) {
	colons := strings.Index(body[start:], "::")
	if colons < 0 {
		return Ref{}, 0, malformed(body, start)
	}
	colons += start
	sigBeg := strings.IndexByte(body[colons:], '(')
	if sigBeg < 0 {
		return Ref{}, 0, malformed(body, start)
	}
	sigBeg += colons
	sigEnd := strings.IndexByte(body[sigBeg:], ')')
	if sigEnd < 0 {
		return Ref{}, 0, malformed(body, start)
	}
	sigEnd += sigBeg
	if sigEnd+1 >= len(body) || body[sigEnd+1] != '(' {
		return Ref{}, 0, malformed(body, start)
	}
	r := Ref{
		Type:   body[start:colons],
		Method: body[colons+2 : sigBeg],
		Params: body[sigBeg : sigEnd+1],
	}
	if r.Type == "" || r.Method == "" {
		return Ref{}, 0, malformed(body, start)
	}
	return r, sigEnd + 2, nil
}

func malformed(body string, at int) error {
	rest := body[at:]
	if len(rest) > 40 {
		rest = rest[:40] + "..."
	}
	return fmt.Errorf("%w: %q, expecting [recv.]@pkg.Type::method(signature)(arguments)", ErrMalformed, rest)
}

func scanRaw(body string, refs *[]Ref) (string, error) {
	var sb strings.Builder
	pos := 0
	for {
		next := strings.Index(body[pos:], ".@")
		if next < 0 {
			sb.WriteString(body[pos:])
			return sb.String(), nil
		}
		next += pos

		ident := next
		for ident > pos && isIdentPart(body[ident-1]) {
			ident--
		}
		recv := body[ident:next]
		if recv == "" {
			return "", fmt.Errorf("%w: raw reference without a receiver at offset %d", ErrMalformed, next)
		}
		sb.WriteString(body[pos:ident])

		r, argsAt, err := reference(body, next+2)
		if err != nil {
			return "", err
		}
		r.Raw = true
		*refs = append(*refs, r)

		sb.WriteString("vm.")
		sb.WriteString(r.Mangled())
		sb.WriteByte('(')
		sb.WriteString(recv)
		if argsAt < len(body) && body[argsAt] != ')' {
			sb.WriteByte(',')
		}
		pos = argsAt
	}
}

func scanPlain(body string, refs *[]Ref) (string, error) {
	var sb strings.Builder
	pos := 0
	for {
		next := strings.IndexByte(body[pos:], '@')
		if next < 0 {
			sb.WriteString(body[pos:])
			return sb.String(), nil
		}
		next += pos
		sb.WriteString(body[pos:next])

		r, argsAt, err := reference(body, next+1)
		if err != nil {
			return "", err
		}
		*refs = append(*refs, r)

		sb.WriteString("vm.")
		sb.WriteString(r.Mangled())
		sb.WriteByte('(')
		pos = argsAt
	}
}

func isIdentPart(c byte) bool {
	return c == '_' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
		c >= 0x80
}
